package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-hub/internal/hub"
	"github.com/Tyrowin/gochat-hub/internal/protocol"
)

// handleWebSocket handles WebSocket upgrade requests. It validates that the
// request uses the GET method, upgrades the HTTP connection, registers the
// connection with the hub and starts its read/write pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	entry, err := s.hub.Register(s.ctx, r.RemoteAddr)
	if err != nil {
		s.log.Warn("Rejecting connection; hub unavailable", "remote_addr", r.RemoteAddr, "error", err)
		closing := websocket.FormatCloseMessage(protocol.ReasonShutdown.CloseCode(), protocol.ReasonShutdown.String())
		_ = conn.WriteMessage(websocket.CloseMessage, closing)
		_ = conn.Close()
		return
	}

	client := newClient(conn, s.hub, entry, s.cfg, s.log)
	s.clients.Add(2)
	go func() {
		defer s.clients.Done()
		client.writePump()
	}()
	go func() {
		defer s.clients.Done()
		client.readPump(s.ctx)
	}()
}

// handleHealth reports liveness along with connection counters.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.hub.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Stats: &stats})
}

// handleHistory serves GET /api/conversations/{id}/messages?after=&limit=.
// The caller authenticates with a bearer token and must be a member of the
// conversation.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		writeError(w, http.StatusUnauthorized, protocol.ErrUnauthenticated)
		return
	}
	userID, err := s.hub.Identify(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	conversationID := r.PathValue("id")
	query := r.URL.Query()
	var after uint64
	if v := query.Get("after"); v != "" {
		if after, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, protocol.Errorf(protocol.CodeMalformedEnvelope, "after must be a sequence number"))
			return
		}
	}
	limit := 0
	if v := query.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, protocol.Errorf(protocol.CodeMalformedEnvelope, "limit must be a positive integer"))
			return
		}
	}

	messages, err := s.hub.History(r.Context(), userID, conversationID, after, limit)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, historyResponse{ConversationID: conversationID, Messages: messages})
	case errors.Is(err, protocol.ErrNotAMember):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, hub.ErrHubClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, hub.ErrNoHistory):
		writeError(w, http.StatusNotImplemented, protocol.Errorf(protocol.CodeInternal, "message history is not available"))
	default:
		s.log.Error("History read failed", "conversation_id", conversationID, "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, protocol.ErrorEventFor(err, ""))
}

// handleTestPage serves an HTML page for trying the protocol from a
// browser: authenticate, join a conversation, send and watch events.
func (s *Server) handleTestPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		s.log.Debug("Error writing HTML response", "error", err)
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>GoChat Hub Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #events {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] { width: 200px; padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>GoChat Hub Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="userId" placeholder="User id">
        <input type="text" id="token" placeholder="Token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="conversationId" placeholder="Conversation id">
        <button onclick="command('join')">Join</button>
        <button onclick="command('leave')">Leave</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message...">
        <button onclick="sendMessage()">Send</button>
    </div>

    <div id="events"></div>

    <script>
        let ws = null;
        let heartbeat = null;
        let typingSent = false;
        const eventsDiv = document.getElementById('events');
        const statusDiv = document.getElementById('status');
        const connectButton = document.getElementById('connectButton');
        const messageInput = document.getElementById('messageInput');

        function log(text, color) {
            const el = document.createElement('div');
            el.style.color = color || 'gray';
            el.textContent = text;
            eventsDiv.appendChild(el);
            eventsDiv.scrollTop = eventsDiv.scrollHeight;
        }

        function send(type, data) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({type: type, data: data || {}}));
            }
        }

        function conversation() {
            return document.getElementById('conversationId').value.trim();
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');

            ws.onopen = function() {
                updateStatus(true);
                send('authenticate', {
                    userId: document.getElementById('userId').value.trim(),
                    token: document.getElementById('token').value.trim()
                });
                heartbeat = setInterval(function() { send('heartbeat'); }, 15000);
            };

            ws.onmessage = function(event) {
                const env = JSON.parse(event.data);
                if (env.type === 'pong') { return; }
                const color = env.type === 'error' ? 'red' : (env.type === 'new_message' ? 'green' : 'black');
                log(env.type + ' ' + JSON.stringify(env.data), color);
            };

            ws.onclose = function(event) {
                log('Connection closed: ' + event.code + ' ' + event.reason);
                clearInterval(heartbeat);
                updateStatus(false);
                ws = null;
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function command(type) {
            send(type, {conversationId: conversation()});
        }

        function sendMessage() {
            const body = messageInput.value.trim();
            if (body) {
                send('send_message', {conversationId: conversation(), body: body});
                send('typing_stop', {conversationId: conversation()});
                typingSent = false;
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('input', function() {
            if (!typingSent && messageInput.value) {
                send('typing_start', {conversationId: conversation()});
                typingSent = true;
            }
        });

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
