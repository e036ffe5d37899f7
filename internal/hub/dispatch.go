package hub

import (
	"context"
	"errors"

	"github.com/Tyrowin/gochat-hub/internal/protocol"
	"github.com/Tyrowin/gochat-hub/internal/registry"
)

// Dispatch decodes one inbound frame and runs the command it carries.
// Protocol errors are answered with an error envelope on the same
// connection and do not fail Dispatch; a non-nil return means the
// connection is gone or the hub stopped, and the caller should stop
// reading.
func (h *Hub) Dispatch(ctx context.Context, connID registry.ID, raw []byte) error {
	cmd, err := protocol.DecodeCommand(raw)
	if err != nil {
		return h.answer(ctx, connID, err)
	}

	switch c := cmd.(type) {
	case protocol.Authenticate:
		err = h.Authenticate(ctx, connID, c.UserID, c.Token)
	case protocol.Join:
		err = h.Join(ctx, connID, c.ConversationID)
	case protocol.Leave:
		err = h.Leave(ctx, connID, c.ConversationID)
	case protocol.SendMessage:
		_, err = h.Send(ctx, connID, c.ConversationID, c.Body)
	case protocol.TypingStart:
		err = h.StartTyping(ctx, connID, c.ConversationID)
	case protocol.TypingStop:
		err = h.StopTyping(ctx, connID, c.ConversationID)
	case protocol.Heartbeat:
		err = h.Heartbeat(ctx, connID)
	default:
		err = protocol.Errorf(protocol.CodeMalformedEnvelope, "unsupported message type %q", cmd.Kind())
	}
	if err == nil {
		return nil
	}
	return h.answer(ctx, connID, err)
}

func (h *Hub) answer(ctx context.Context, connID registry.ID, err error) error {
	if fatal(ctx, err) {
		return err
	}
	if code := protocol.CodeOf(err); code == protocol.CodeInternal {
		h.log.Warn("command failed", "conn_id", connID, "error", err)
	} else {
		h.log.Debug("command rejected", "conn_id", connID, "code", code, "error", err)
	}
	if rerr := h.ReportError(ctx, connID, err, ""); rerr != nil {
		return rerr
	}
	return nil
}

func fatal(ctx context.Context, err error) bool {
	return errors.Is(err, ErrHubClosed) ||
		errors.Is(err, registry.ErrUnknownConnection) ||
		errors.Is(err, protocol.ErrSlowConsumer) ||
		ctx.Err() != nil
}
