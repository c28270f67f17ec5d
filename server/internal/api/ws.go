package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/coldvault/coldvault/server/internal/websocket"
)

// WSHandler handles the WebSocket upgrade endpoint GET /api/v1/ws, the
// browser-facing push channel for the dashboard. It is unrelated to the
// agent control-plane socket served by agentws.
//
// Authentication uses the shared secret passed as the `token` query
// parameter instead of the Authorization header — browsers cannot set
// custom headers on WebSocket connections opened via the native WebSocket
// API.
//
// Topic subscription is declared at connection time via the `topics` query
// parameter (comma-separated). The client is always subscribed to the
// global "notifications" topic in addition to whatever it requests.
//
// Example connection URL:
//
//	ws://host/api/v1/ws?token=<secret>&topics=job:uuid1,agent:uuid2
type WSHandler struct {
	hub          *websocket.Hub
	sharedSecret string
	logger       *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *websocket.Hub, sharedSecret string, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:          hub,
		sharedSecret: sharedSecret,
		logger:       logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /api/v1/ws. It authenticates the request, builds the
// topic list, upgrades the connection, and starts the client read/write
// pumps. The handler blocks until the connection closes — this is expected
// for WebSocket handlers.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.sharedSecret)) != 1 {
		ErrUnauthorized(w)
		return
	}

	topics := h.resolveTopics(r)

	client, err := websocket.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// Upgrade failure is already logged by gorilla; the response has
		// already been written by the upgrader on error.
		h.logger.Warn("ws: upgrade failed", zap.Error(err))
		return
	}

	h.logger.Info("ws: client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("topics", topics),
	)

	// Run blocks until the connection closes. readPump and writePump handle
	// cleanup and hub unregistration internally.
	client.Run()

	h.logger.Info("ws: client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// resolveTopics builds the final topic list for a client connection: the
// global notifications feed plus whatever explicit topics the client asked
// for via the `topics` query parameter. Unknown or malformed topic strings
// are silently ignored — the client will simply never receive messages for
// topics that do not exist.
func (h *WSHandler) resolveTopics(r *http.Request) []string {
	seen := make(map[string]struct{})
	var topics []string

	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" {
			return
		}
		if _, exists := seen[t]; !exists {
			seen[t] = struct{}{}
			topics = append(topics, t)
		}
	}

	add("notifications")

	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			add(t)
		}
	}

	return topics
}
