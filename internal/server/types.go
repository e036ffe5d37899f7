package server

import (
	"strings"

	"github.com/Tyrowin/gochat-hub/internal/hub"
	"github.com/Tyrowin/gochat-hub/internal/protocol"
)

type healthResponse struct {
	Status string     `json:"status"`
	Stats  *hub.Stats `json:"stats,omitempty"`
}

type historyResponse struct {
	ConversationID string             `json:"conversationId"`
	Messages       []protocol.Message `json:"messages"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
