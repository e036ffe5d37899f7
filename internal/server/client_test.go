package server

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-hub/internal/protocol"
	"github.com/Tyrowin/gochat-hub/internal/registry"
	"github.com/Tyrowin/gochat-hub/internal/testhelpers"
)

func TestClientHandleReadError(t *testing.T) {
	c := &Client{log: discardLogger(), maxMessageSize: 64}

	tests := []struct {
		name string
		err  error
		stop bool
	}{
		{"no error", nil, false},
		{"read limit", websocket.ErrReadLimit, true},
		{"eof", io.EOF, true},
		{"normal close", &websocket.CloseError{Code: websocket.CloseNormalClosure}, true},
		{"abnormal close", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, true},
		{"policy violation", &websocket.CloseError{Code: websocket.ClosePolicyViolation}, true},
		{"closed socket", errors.New("read tcp: use of closed network connection"), true},
		{"anything else", errors.New("boom"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.stop, c.handleReadError(tt.err))
		})
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	req := require.New(t)
	req.True(isExpectedCloseError(nil))
	req.True(isExpectedCloseError(errors.New("write: broken pipe")))
	req.True(isExpectedCloseError(websocket.ErrCloseSent))
	req.False(isExpectedCloseError(errors.New("boom")))
}

func TestClientCheckRateLimit(t *testing.T) {
	req := require.New(t)
	clock := &manualClock{}
	c := &Client{
		log:    discardLogger(),
		budget: newFrameBudget(RateLimitConfig{Burst: 1, RefillInterval: time.Second}, clock.now, protocol.TypeHeartbeat),
	}
	join := []byte(`{"type":"join","data":{"conversationId":"c1"}}`)
	req.True(c.checkRateLimit(join))
	req.False(c.checkRateLimit(join))
	req.False(c.checkRateLimit([]byte(`{`)))
	req.True(c.checkRateLimit([]byte(`{"type":"heartbeat"}`)))

	unlimited := &Client{log: discardLogger()}
	req.True(unlimited.checkRateLimit(join))
}

// TestClientWritePumpBacklogOnClose queues two events on a connection and
// closes it. A normal close flushes them ahead of the close frame; a slow
// consumer or a timed out peer gets the close frame straight away.
func TestClientWritePumpBacklogOnClose(t *testing.T) {
	tests := []struct {
		reason  protocol.CloseReason
		flushed int
	}{
		{protocol.ReasonNormal, 2},
		{protocol.ReasonShutdown, 2},
		{protocol.ReasonSlowConsumer, 0},
		{protocol.ReasonTimeout, 0},
	}

	for _, tt := range tests {
		t.Run(tt.reason.String(), func(t *testing.T) {
			req := require.New(t)
			reg := registry.New(2, discardLogger())
			entry := reg.Register("test")
			pong, err := protocol.Encode(protocol.Pong{})
			req.NoError(err)
			req.NoError(reg.Enqueue(entry.ID(), pong))
			req.NoError(reg.Enqueue(entry.ID(), pong))
			req.True(reg.Close(entry.ID(), tt.reason))

			upgrader := websocket.Upgrader{}
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				conn, err := upgrader.Upgrade(w, r, nil)
				if err != nil {
					return
				}
				c := &Client{conn: conn, entry: entry, log: discardLogger()}
				c.writePump()
			}))
			defer srv.Close()

			conn, _, err := websocket.DefaultDialer.Dial(testhelpers.WebSocketURL(srv.URL), nil)
			req.NoError(err)
			defer conn.Close()

			flushed := 0
			for {
				req.NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
				_, _, err := conn.ReadMessage()
				if err != nil {
					var closeErr *websocket.CloseError
					req.ErrorAs(err, &closeErr)
					req.Equal(tt.reason.CloseCode(), closeErr.Code)
					break
				}
				flushed++
			}
			req.Equal(tt.flushed, flushed)
		})
	}
}
