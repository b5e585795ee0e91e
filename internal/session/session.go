// Package session owns the in-memory view of the active conversation and
// arbitrates between optimistic local appends, provider replies, and the
// persisted message log.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/conbot-ai/conbot/internal/bus"
	"github.com/conbot-ai/conbot/internal/chat"
)

// User-facing notification texts. Kept stable because surfaces display them
// verbatim.
const (
	errCreateChat = "An error occurred while creating chat"
	errGenerate   = "An error occurred while generating AI response"
	errPersist    = "An error occurred while saving the conversation"
)

// Synchronizer drives one conversation screen. It is the only writer of its
// view; the surface observes state exclusively through RenderSession
// snapshots. At most one submission is supported in flight — a Submit that
// arrives while one is generating is dropped.
type Synchronizer struct {
	store   chat.Store
	gen     chat.Generator
	surface chat.Surface
	relay   *bus.Relay // optional, nil disables event publishing
	user    chat.UserID
	logger  *slog.Logger

	mu         sync.Mutex
	chatID     chat.ChatID
	messages   []chat.Message
	generating bool
	attempt    uint64 // fence: bumped by each submission and by Stop
}

// New returns a synchronizer for a fresh conversation screen. user is empty
// for anonymous visitors; their exchanges never touch the store.
func New(store chat.Store, gen chat.Generator, surface chat.Surface, relay *bus.Relay, user chat.UserID, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		store:   store,
		gen:     gen,
		surface: surface,
		relay:   relay,
		user:    user,
		logger:  logger,
	}
}

// Attach resumes a persisted conversation: the view adopts its identity and
// message log. Used when the visitor navigates into a sidebar entry.
func (s *Synchronizer) Attach(chatID chat.ChatID, messages []chat.Message) {
	s.mu.Lock()
	s.attempt++ // fence out anything still resolving for the old screen
	s.chatID = chatID
	s.messages = append([]chat.Message(nil), messages...)
	s.generating = false
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.surface.RenderSession(snap)
}

// Reset discards the view for a fresh conversation screen.
func (s *Synchronizer) Reset() {
	s.Attach(chat.NilChat, nil)
}

// Submit runs one full exchange: optimistic user append, generation,
// persistence, reconciliation. It blocks until the submission resolves;
// callers that need a responsive surface run it on its own goroutine. Empty
// input after trimming is a no-op. All failures are surfaced as
// notifications, never returned.
func (s *Synchronizer) Submit(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	s.mu.Lock()
	if s.generating {
		s.mu.Unlock()
		s.logger.Warn("submit dropped: generation in progress")
		return
	}
	// The guard goes up before the first suspension point so an overlapping
	// Submit racing the conversation-creation call is dropped too.
	s.generating = true
	s.attempt++
	attempt := s.attempt
	chatID := s.chatID
	s.mu.Unlock()

	// Lazily materialize a conversation the moment an authenticated visitor
	// sends their first message. Anonymous visitors never get one.
	if chatID == chat.NilChat && s.user != "" {
		id, err := s.store.CreateConversation(ctx, s.user)
		if err != nil {
			s.mu.Lock()
			if attempt == s.attempt {
				s.generating = false
			}
			s.mu.Unlock()
			s.logger.Error("create conversation failed", "user", s.user, "error", err)
			s.surface.NotifyError(errCreateChat)
			return
		}
		s.mu.Lock()
		if attempt != s.attempt {
			// Stopped while the creation call was in flight; the created
			// conversation stays in the store, unreferenced.
			s.mu.Unlock()
			return
		}
		s.chatID = id
		s.mu.Unlock()
		chatID = id
		if s.relay != nil {
			s.relay.ConversationCreated(id, s.user)
		}
		s.surface.Navigate(id)
		s.logger.Info("conversation created", "chat_id", id, "user", s.user)
	}

	// Optimistic append. The snapshot goes out before the provider is
	// invoked so the visitor's own message never waits on the network.
	userMsg := chat.NewLocalMessage(chat.RoleUser, text)
	s.mu.Lock()
	if attempt != s.attempt {
		s.mu.Unlock()
		return
	}
	s.messages = append(s.messages, userMsg)
	userIdx := len(s.messages) - 1
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.surface.RenderSession(snap)

	s.resolve(ctx, attempt, chatID, userIdx, text)
}

// Stop abandons the in-flight submission from the view's perspective. The
// provider call itself is not aborted; its eventual result is fenced out and
// dropped.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.generating {
		s.mu.Unlock()
		return
	}
	s.attempt++
	s.generating = false
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.surface.RenderSession(snap)
}

// Snapshot returns the current view state.
func (s *Synchronizer) Snapshot() chat.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// resolve carries the submission from the generation call to the final
// snapshot. Every suspension point is followed by a fence check so a Stop
// (or a screen change) silently discards the late result.
func (s *Synchronizer) resolve(ctx context.Context, attempt uint64, chatID chat.ChatID, userIdx int, text string) {
	defer s.settle(attempt)

	reply, err := s.gen.Generate(ctx, text)
	if s.stale(attempt) {
		return
	}
	if err != nil {
		s.logger.Error("generation failed", "chat_id", chatID, "error", err)
		s.surface.NotifyError(errGenerate)
		return
	}
	if strings.TrimSpace(reply) == "" {
		s.logger.Error("generation returned no usable text", "chat_id", chatID)
		s.surface.NotifyError(errGenerate)
		return
	}

	if chatID == chat.NilChat {
		// Anonymous exchange: the reply lives only in the view.
		s.appendIfCurrent(attempt, chat.NewLocalMessage(chat.RoleAssistant, reply))
		return
	}

	// Two ordered writes, user first. Not transactional: if the assistant
	// write fails the store keeps an unanswered user message, and the next
	// resubmission starts a fresh exchange.
	persistedUser, err := s.store.AppendMessage(ctx, chatID, chat.RoleUser, text)
	if s.stale(attempt) {
		return
	}
	if err != nil {
		s.logger.Error("persist user message failed", "chat_id", chatID, "error", err)
		s.surface.NotifyError(errPersist)
		return
	}
	s.reconcile(attempt, userIdx, persistedUser)

	persistedReply, err := s.store.AppendMessage(ctx, chatID, chat.RoleAssistant, reply)
	if s.stale(attempt) {
		return
	}
	if err != nil {
		s.logger.Error("persist assistant message failed", "chat_id", chatID, "error", err)
		s.surface.NotifyError(errPersist)
		return
	}
	s.appendIfCurrent(attempt, persistedReply)

	if s.relay != nil {
		s.relay.ExchangeStored(chatID, persistedUser.ID, persistedReply.ID)
	}
}

// settle clears the in-progress flag for the given attempt and publishes the
// final snapshot. Runs on every resolution path. A fenced-out attempt
// publishes nothing; Stop already rendered its state.
func (s *Synchronizer) settle(attempt uint64) {
	s.mu.Lock()
	if attempt != s.attempt {
		s.mu.Unlock()
		return
	}
	s.generating = false
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.surface.RenderSession(snap)
}

func (s *Synchronizer) stale(attempt uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return attempt != s.attempt
}

func (s *Synchronizer) appendIfCurrent(attempt uint64, msg chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attempt != s.attempt {
		return
	}
	s.messages = append(s.messages, msg)
}

// reconcile replaces the provisional message at idx with its persisted
// counterpart. Replacement by position, never an in-place field edit, and
// never a reorder.
func (s *Synchronizer) reconcile(attempt uint64, idx int, persisted chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attempt != s.attempt {
		return
	}
	if idx < 0 || idx >= len(s.messages) {
		return
	}
	s.messages[idx] = persisted
}

func (s *Synchronizer) snapshotLocked() chat.SessionSnapshot {
	return chat.SessionSnapshot{
		ChatID:     s.chatID,
		Messages:   append([]chat.Message(nil), s.messages...),
		Generating: s.generating,
	}
}
