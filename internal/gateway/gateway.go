// Package gateway is the real-time session gateway: it authenticates
// websocket connections, joins them to per-project rooms, and maintains
// presence and typing state. Chat semantics live in the message pipeline,
// which the gateway reaches through the MessageSink interface.
package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/buildroom-dev/buildroom/internal/apperr"
	"github.com/buildroom-dev/buildroom/internal/auth"
	"github.com/buildroom-dev/buildroom/internal/logger"
	"github.com/buildroom-dev/buildroom/internal/model"
	"github.com/buildroom-dev/buildroom/internal/store"
)

// MessageSink is the message pipeline as the gateway sees it.
type MessageSink interface {
	// UserMessage appends a participant message to the room log (and kicks
	// off an AI turn when the text mentions the assistant).
	UserMessage(ctx context.Context, roomID string, author model.UserRef, text string) error

	// DeleteMessages removes a batch of messages, atomically or not at all.
	DeleteMessages(ctx context.Context, roomID string, messageIDs []string, requesterID string) error
}

// Gateway upgrades and authenticates websocket connections.
type Gateway struct {
	hub   *Hub
	store *store.Store
	jwt   *auth.JWTManager
	sink  MessageSink
	log   *logger.Logger

	upgrader websocket.Upgrader
}

// New creates a gateway. The sink is wired after construction to break the
// gateway/pipeline dependency cycle.
func New(hub *Hub, s *store.Store, jwt *auth.JWTManager, log *logger.Logger) *Gateway {
	return &Gateway{
		hub:   hub,
		store: s,
		jwt:   jwt,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cross-origin policy is enforced by the CORS middleware on the
			// HTTP router; the browser's Origin header is not re-checked here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetSink wires the message pipeline in.
func (g *Gateway) SetSink(sink MessageSink) {
	g.sink = sink
}

// Hub returns the room registry.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// HandleWS is the websocket entry point: GET /ws?projectId=...
// The bearer credential comes from the Authorization header or, for
// browser clients that cannot set headers on websocket requests, the
// "token" query parameter.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	identity, roomID, err := g.authenticate(r)
	if err != nil {
		g.log.Debug("connection rejected", "error", err)
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	room := g.hub.getOrCreate(roomID)
	client := newClient(g, conn, room, identity)
	room.join(client)

	g.log.Info("client joined", "room", roomID, "user", identity.Email)

	go client.writePump()
	go client.readPump()
}

// authenticate validates the room reference and the bearer credential.
// Any failure rejects the connection before it joins; no state is mutated.
func (g *Gateway) authenticate(r *http.Request) (model.UserRef, string, error) {
	roomID := r.URL.Query().Get("projectId")
	if err := uuid.Validate(roomID); err != nil {
		return model.UserRef{}, "", &apperr.AuthError{Reason: "invalid project id"}
	}

	if _, err := g.store.GetProjectByID(r.Context(), roomID); err != nil {
		return model.UserRef{}, "", &apperr.AuthError{Reason: "project not found"}
	}

	token := bearerToken(r)
	if token == "" {
		return model.UserRef{}, "", &apperr.AuthError{Reason: "missing credential"}
	}

	claims, err := g.jwt.ValidateAccessToken(token)
	if err != nil {
		return model.UserRef{}, "", &apperr.AuthError{Reason: "invalid credential"}
	}

	return model.UserRef{ID: claims.UserID, Email: claims.Email}, roomID, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}

// disconnect tears a client down: leave the room, release it if empty.
func (g *Gateway) disconnect(c *Client) {
	c.shutdown()
	if c.room.leave(c) {
		g.hub.release(c.room)
	}
	g.log.Info("client left", "room", c.room.ID(), "user", c.identity.Email)
}
