package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/Tyrowin/gorelay/internal/auth"
)

// Rejection is the body of a refused session request.
type Rejection struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Stats is the body served by StatsHandler.
type Stats struct {
	Online   int `json:"online"`
	Sessions int `json:"sessions"`
}

// credentialFromRequest returns the bearer token and the claimed identity
// supplied with a session request.
func credentialFromRequest(r *http.Request) (token, claimed string) {
	query := r.URL.Query()
	token = query.Get("token")
	if token == "" {
		if header := r.Header.Get("Authorization"); len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
			token = strings.TrimSpace(header[7:])
		}
	}
	return token, query.Get("username")
}

// WebSocketHandler authenticates a session request and, on success, upgrades
// it and hands the connection to a new Session.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	if !s.origins.check(r) {
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	sess := newSession(s, r.RemoteAddr)
	token, claimed := credentialFromRequest(r)
	if err := sess.authenticate(token, claimed); err != nil {
		reason := auth.Reason(err)
		sess.logger.Warn("session rejected",
			zap.String("reason", reason),
			zap.Error(err),
		)
		writeRejection(w, reason, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sess.logger.Warn("websocket upgrade failed", zap.Error(err))
		sess.Close()
		return
	}

	sess.activate(conn)
}

func writeRejection(w http.ResponseWriter, reason string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(Rejection{
		Error:   reason,
		Message: "authentication error: " + err.Error(),
	})
}

// StatsHandler reports how many identities are online and how many sessions
// are open. The two differ while a superseded session is still connected.
func (s *Server) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(Stats{
		Online:   s.registry.Len(),
		Sessions: s.hub.Count(),
	}); err != nil {
		s.logger.Warn("error writing stats response", zap.Error(err))
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoRelay server is running!")
}

// TestPageHandler serves an HTML page for trying the relay from a browser:
// connect with a token and username, then send private or server messages.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPageHTML)
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>GoRelay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 220px; padding: 5px; margin-right: 10px; }
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
    <h1>GoRelay Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="usernameInput" placeholder="Username">
        <input type="text" id="tokenInput" placeholder="Token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div style="margin-top: 10px">
        <input type="text" id="recipientInput" placeholder="Recipient" disabled>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="privateButton" onclick="sendPrivate()" disabled>Send private</button>
        <button id="serverButton" onclick="sendToServer()" disabled>Send to server</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const inputs = ['recipientInput', 'messageInput', 'privateButton', 'serverButton']
            .map(id => document.getElementById(id));
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addMessage(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            inputs.forEach(el => el.disabled = !connected);
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function handleEvent(ev) {
            if (ev.type === 'private-message') {
                addMessage(ev.sender + ': ' + ev.message, 'green');
            } else if (ev.type === 'server-reply') {
                addMessage('server: ' + ev.message, 'purple');
            } else {
                addMessage(JSON.stringify(ev));
            }
        }

        function connect() {
            const params = new URLSearchParams({
                token: document.getElementById('tokenInput').value.trim(),
                username: document.getElementById('usernameInput').value.trim(),
            });
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws?' + params.toString());

            ws.onopen = function() {
                addMessage('Connected to GoRelay server');
                updateStatus(true);
            };
            ws.onmessage = function(event) {
                event.data.split('\n').filter(Boolean).forEach(line => handleEvent(JSON.parse(line)));
            };
            ws.onclose = function() {
                addMessage('Connection closed');
                updateStatus(false);
                ws = null;
            };
            ws.onerror = function() {
                addMessage('Connection error (check token and username)');
                updateStatus(false);
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function send(event) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify(event));
            }
        }

        function sendPrivate() {
            const recipient = document.getElementById('recipientInput').value.trim();
            const message = document.getElementById('messageInput').value;
            if (!recipient || !message) return;
            send({ type: 'private-message', recipient: recipient, message: message });
            addMessage('to ' + recipient + ': ' + message, 'blue');
            document.getElementById('messageInput').value = '';
        }

        function sendToServer() {
            const message = document.getElementById('messageInput').value;
            if (!message) return;
            send({ type: 'server-message', message: message });
            addMessage('to server: ' + message, 'blue');
            document.getElementById('messageInput').value = '';
        }
    </script>
</body>
</html>`
