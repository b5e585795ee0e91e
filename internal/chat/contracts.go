package chat

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned by store reads for an unknown conversation.
var ErrNotFound = errors.New("conversation not found")

// Store is the durable message store consumed by the engine. Writes are
// best-effort sequential, not transactional: a failed assistant append after
// a successful user append leaves the user message orphaned, and callers
// accept that state.
type Store interface {
	CreateConversation(ctx context.Context, owner UserID) (ChatID, error)
	AppendMessage(ctx context.Context, chatID ChatID, role Role, content string) (Message, error)
	ListConversationsByOwner(ctx context.Context, owner UserID) ([]Thread, error)
	GetConversation(ctx context.Context, chatID ChatID) (Thread, error)
}

// Generator is the single-shot text-completion provider. One request per
// user message; no streaming, no multi-turn context.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// SessionSnapshot is the state published to the surface after every session
// mutation.
type SessionSnapshot struct {
	ChatID     ChatID // uuid.Nil until the first authenticated send
	Messages   []Message
	Generating bool
}

// HistorySnapshot carries the sidebar state.
type HistorySnapshot struct {
	Summaries []Summary
	Loading   bool
}

// ThreadSnapshot carries one conversation's full message log.
type ThreadSnapshot struct {
	ChatID   ChatID
	Messages []Message
	Loading  bool
}

// Surface is the presentation layer consumed by the engine. Implementations
// render snapshots and display transient errors; they never mutate engine
// state except through Submit/Stop/Load intents.
type Surface interface {
	RenderSession(SessionSnapshot)
	RenderHistory(HistorySnapshot)
	RenderThread(ThreadSnapshot)
	Navigate(ChatID)
	NotifyError(msg string)
}

// NilChat is the zero conversation identity.
var NilChat = uuid.Nil
