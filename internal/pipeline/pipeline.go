// Package pipeline implements the message pipeline: append with
// persist-then-broadcast ordering, atomic batch deletion, and the AI turn
// that merges generated files into the workspace.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/buildroom-dev/buildroom/internal/ai"
	"github.com/buildroom-dev/buildroom/internal/apperr"
	"github.com/buildroom-dev/buildroom/internal/gateway"
	"github.com/buildroom-dev/buildroom/internal/logger"
	"github.com/buildroom-dev/buildroom/internal/model"
	"github.com/buildroom-dev/buildroom/internal/store"
)

// Generator is the AI generation client as the pipeline sees it.
type Generator interface {
	Generate(ctx context.Context, prompt string) (*ai.Result, error)
}

// Pipeline appends, deletes, and broadcasts chat messages, and drives AI
// turns. It implements gateway.MessageSink.
type Pipeline struct {
	store *store.Store
	hub   *gateway.Hub
	gen   Generator
	log   *logger.Logger

	// locks holds one mutex per room; held across persist-then-broadcast so
	// no two appends for a room broadcast out of the order their
	// persistence completed. AI generation runs outside this lock.
	// Entries are keyed by project id and kept for the process lifetime.
	// They are not released when a room empties: an AI turn still in flight
	// for a departed room must find the same mutex when it lands.
	locks sync.Map // roomID -> *sync.Mutex

	// wg tracks in-flight AI turns for clean shutdown in tests.
	wg sync.WaitGroup
}

// New creates a pipeline.
func New(s *store.Store, hub *gateway.Hub, gen Generator, log *logger.Logger) *Pipeline {
	return &Pipeline{
		store: s,
		hub:   hub,
		gen:   gen,
		log:   log,
	}
}

// UserMessage persists and broadcasts a participant message. When the text
// mentions the assistant, an AI turn starts asynchronously: the room keeps
// accepting other messages while it runs, and the result posts whether or
// not the triggering client is still connected.
func (p *Pipeline) UserMessage(ctx context.Context, roomID string, author model.UserRef, text string) error {
	if roomID == "" {
		return &apperr.ValidationError{Field: "roomId", Reason: "required"}
	}
	if author.ID == "" {
		return &apperr.ValidationError{Field: "user", Reason: "required"}
	}
	if text == "" {
		return &apperr.ValidationError{Field: "message.text", Reason: "required"}
	}

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return &apperr.ValidationError{Field: "message", Reason: "not encodable"}
	}

	if _, err := p.append(ctx, roomID, &author, payload); err != nil {
		return err
	}

	if p.gen != nil && ai.HasMention(text) {
		prompt := ai.StripMentions(text)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			// Deliberately detached from the request context: the turn
			// outlives the triggering connection.
			p.runAITurn(context.Background(), roomID, prompt)
		}()
	}
	return nil
}

// DeleteMessages removes a batch of messages. AI-authored messages are
// always deletable; a participant message is deletable only by its author.
// Any single disallowed message aborts the entire batch.
func (p *Pipeline) DeleteMessages(ctx context.Context, roomID string, messageIDs []string, requesterID string) error {
	if roomID == "" {
		return &apperr.ValidationError{Field: "roomId", Reason: "required"}
	}
	if requesterID == "" {
		return &apperr.ValidationError{Field: "requester", Reason: "required"}
	}
	if len(messageIDs) == 0 {
		return &apperr.ValidationError{Field: "messageIds", Reason: "required"}
	}

	messages, err := p.store.GetMessagesByIDs(ctx, roomID, messageIDs)
	if err != nil {
		return &apperr.PersistenceError{Op: "fetch messages", Err: err}
	}
	found := make(map[string]bool, len(messages))
	for _, msg := range messages {
		found[msg.ID] = true
		if msg.FromAI() {
			continue
		}
		if *msg.UserID != requesterID {
			return &apperr.PermissionError{MessageID: msg.ID}
		}
	}
	for _, id := range messageIDs {
		if !found[id] {
			return &apperr.ValidationError{Field: "messageIds", Reason: "unknown message " + id}
		}
	}

	if err := p.store.DeleteMessages(ctx, roomID, messageIDs); err != nil {
		return &apperr.PersistenceError{Op: "delete messages", Err: err}
	}

	p.hub.Broadcast(roomID, gateway.EventMessagesDeleted, gateway.MessagesDeleted{MessageIDs: messageIDs})
	return nil
}

// Wait blocks until all in-flight AI turns have finished. Test hook.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// append is the ordering boundary: the per-room lock is held across
// persist-then-broadcast, so the sequence every client observes equals the
// store's persisted order. author is nil for AI-authored messages.
func (p *Pipeline) append(ctx context.Context, roomID string, author *model.UserRef, payload json.RawMessage) (*model.ProjectMessage, error) {
	mu := p.roomLock(roomID)
	mu.Lock()
	defer mu.Unlock()

	persisted, err := p.store.AppendMessage(ctx, roomID, author, payload)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &apperr.ValidationError{Field: "roomId", Reason: "no such project"}
		}
		return nil, &apperr.PersistenceError{Op: "append message", Err: err}
	}

	p.hub.Broadcast(roomID, gateway.EventProjectMessage, gateway.OutgoingMessage{
		ID:        persisted.ID,
		User:      persisted.Author(),
		Message:   persisted.Payload,
		Timestamp: persisted.CreatedAt,
	})
	return persisted, nil
}

func (p *Pipeline) roomLock(roomID string) *sync.Mutex {
	mu, _ := p.locks.LoadOrStore(roomID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// runAITurn calls the generation service and posts the outcome to the room.
// Two turns in the same room may run concurrently; their file patches merge
// independently, last write per path wins.
func (p *Pipeline) runAITurn(ctx context.Context, roomID, prompt string) {
	result, err := p.gen.Generate(ctx, prompt)
	if err != nil {
		p.log.Warn("ai turn failed", "room", roomID, "error", err)
		p.postAIFailure(ctx, roomID, err)
		return
	}

	if patch := result.FilePatch(); len(patch) > 0 {
		if _, err := p.store.PatchFileTree(ctx, roomID, patch); err != nil {
			p.log.Error("failed to merge ai patch", "room", roomID, "error", err)
			p.postAIFailure(ctx, roomID, apperr.NewAIError(apperr.AIUnknown, err))
			return
		}
	}

	payload, err := result.MessagePayload()
	if err != nil {
		p.log.Error("failed to encode ai message", "room", roomID, "error", err)
		p.postAIFailure(ctx, roomID, apperr.NewAIError(apperr.AIUnknown, err))
		return
	}

	if _, err := p.append(ctx, roomID, nil, payload); err != nil {
		// Terminal for this turn: the workspace patch is already merged,
		// but the explanation could not be persisted.
		p.log.Error("failed to persist ai message", "room", roomID, "error", err)
	}
}

// postAIFailure converts an AI failure into a visible AI-authored chat
// message so the failure is never dropped silently. If that persistence
// also fails, the error is logged and the turn ends.
func (p *Pipeline) postAIFailure(ctx context.Context, roomID string, genErr error) {
	payload, err := json.Marshal(map[string]string{"text": failureText(genErr)})
	if err != nil {
		p.log.Error("failed to encode ai failure message", "room", roomID, "error", err)
		return
	}
	if _, err := p.append(ctx, roomID, nil, payload); err != nil {
		p.log.Error("failed to persist ai failure message", "room", roomID, "error", err)
	}
}

// failureText maps a failure category to the message shown in the room.
func failureText(err error) string {
	switch apperr.AIKind(err) {
	case apperr.AIOverloaded:
		return "The AI service is overloaded right now. Please try again in a moment."
	case apperr.AIMalformedOutput:
		return fmt.Sprintf("I produced a response I couldn't validate (%v). Please try rephrasing your request.", errors.Unwrap(err))
	default:
		return "Something went wrong while generating a response. Please try again."
	}
}
