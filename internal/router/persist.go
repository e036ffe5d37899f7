package router

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gochat-hub/internal/protocol"
	"github.com/Tyrowin/gochat-hub/internal/registry"
)

// enqueuePersist hands msg to the persistence workers without blocking. A
// full queue is reported to the sender the same way a rejected write is.
func (r *Router) enqueuePersist(sender registry.ID, msg protocol.Message) {
	if r.store == nil {
		return
	}
	select {
	case r.persist <- persistJob{sender: sender, msg: msg}:
	default:
		r.log.Warn("persistence queue full", "conversation_id", msg.ConversationID, "message_id", msg.ID)
		r.onPersistFailure(sender, msg, fmt.Errorf("persistence queue full: %w", protocol.ErrPersistenceFailure))
	}
}

// RunPersistence runs the persistence workers until ctx is done. Writes are
// attempted once; the router never retries.
func (r *Router) RunPersistence(ctx context.Context) error {
	if r.store == nil {
		<-ctx.Done()
		return nil
	}
	var g errgroup.Group
	for range r.cfg.PersistWorkers {
		g.Go(func() error {
			r.persistLoop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (r *Router) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.persist:
			r.persistOne(ctx, job)
		}
	}
}

func (r *Router) persistOne(ctx context.Context, job persistJob) {
	if r.cfg.PersistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.PersistTimeout)
		defer cancel()
	}
	if err := r.store.Persist(ctx, job.msg); err != nil {
		r.log.Warn("message store rejected write",
			"conversation_id", job.msg.ConversationID,
			"message_id", job.msg.ID,
			"seq", job.msg.Seq,
			"error", err)
		r.onPersistFailure(job.sender, job.msg, err)
	}
}
