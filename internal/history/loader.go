// Package history feeds the sidebar: the list of a visitor's conversations
// and the message log of whichever one they navigate into.
package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/conbot-ai/conbot/internal/chat"
	"github.com/conbot-ai/conbot/internal/schedule"
)

const (
	errFetchHistory = "An error occurred while fetching chat history"
	errFetchChat    = "An error occurred while fetching chat messages"
	errChatNotFound = "Chat not found"

	// DefaultFetchDelay defers the summaries fetch past rapid re-triggers.
	DefaultFetchDelay = 500 * time.Millisecond
	// DefaultSettleDelay holds a completed summaries result back so the
	// loading indicator does not flash.
	DefaultSettleDelay = 2 * time.Second
)

// Loader runs the two sidebar reads. Both are idempotent and re-entrant;
// overlapping calls race and the published result is last-write-wins, with a
// request fence dropping anything stale.
type Loader struct {
	store   chat.Store
	surface chat.Surface
	sched   schedule.Scheduler
	logger  *slog.Logger

	FetchDelay  time.Duration
	SettleDelay time.Duration

	mu         sync.Mutex
	closed     bool
	summarySeq uint64
	threadSeq  uint64
	pending    map[*pendingSlot]schedule.Pending
}

// pendingSlot identifies one tracked callback. fired guards the case where
// the scheduler runs the callback before After returns.
type pendingSlot struct {
	fired bool
}

func NewLoader(store chat.Store, surface chat.Surface, sched schedule.Scheduler, logger *slog.Logger) *Loader {
	return &Loader{
		store:       store,
		surface:     surface,
		sched:       sched,
		logger:      logger,
		FetchDelay:  DefaultFetchDelay,
		SettleDelay: DefaultSettleDelay,
		pending:     make(map[*pendingSlot]schedule.Pending),
	}
}

// LoadSummaries publishes the visitor's conversation list, most recent
// first. The fetch is deferred by FetchDelay and the result held back by
// SettleDelay; the loading indicator stays up for the whole stretch. A blank
// user publishes a typed empty result immediately.
func (l *Loader) LoadSummaries(ctx context.Context, user chat.UserID) {
	if user == "" {
		// The empty publish still supersedes any in-flight request:
		// last-write-wins applies to typed empty results too.
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		l.summarySeq++
		l.mu.Unlock()
		l.surface.RenderHistory(chat.HistorySnapshot{})
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.summarySeq++
	seq := l.summarySeq
	l.mu.Unlock()

	l.surface.RenderHistory(chat.HistorySnapshot{Loading: true})

	l.after(l.FetchDelay, func() {
		if l.summariesStale(seq) {
			return
		}
		threads, err := l.store.ListConversationsByOwner(ctx, user)
		if l.summariesStale(seq) {
			return
		}

		var snap chat.HistorySnapshot
		if err != nil {
			l.logger.Error("list conversations failed", "user", user, "error", err)
		} else {
			snap.Summaries = chat.Summarize(threads)
			chat.SortSummaries(snap.Summaries)
		}

		l.after(l.SettleDelay, func() {
			if l.summariesStale(seq) {
				return
			}
			if err != nil {
				l.surface.NotifyError(errFetchHistory)
			}
			l.surface.RenderHistory(snap)
		})
	})
}

// LoadConversation publishes one conversation's full message log. Called
// whenever the active conversation identity changes, including right after
// the first send materializes one. Blocks on the store read; callers that
// need a responsive surface run it on its own goroutine.
func (l *Loader) LoadConversation(ctx context.Context, chatID chat.ChatID) {
	if chatID == chat.NilChat {
		// Same fencing as the blank-user path: a fresh screen's empty
		// publish must not be overwritten by an older in-flight read.
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		l.threadSeq++
		l.mu.Unlock()
		l.surface.RenderThread(chat.ThreadSnapshot{})
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.threadSeq++
	seq := l.threadSeq
	l.mu.Unlock()

	l.surface.RenderThread(chat.ThreadSnapshot{ChatID: chatID, Loading: true})

	thread, err := l.store.GetConversation(ctx, chatID)
	if l.threadStale(seq) {
		return
	}

	switch {
	case errors.Is(err, chat.ErrNotFound):
		l.logger.Warn("conversation not found", "chat_id", chatID)
		l.surface.NotifyError(errChatNotFound)
		l.surface.RenderThread(chat.ThreadSnapshot{ChatID: chatID})
	case err != nil:
		l.logger.Error("get conversation failed", "chat_id", chatID, "error", err)
		l.surface.NotifyError(errFetchChat)
		l.surface.RenderThread(chat.ThreadSnapshot{ChatID: chatID})
	default:
		l.surface.RenderThread(chat.ThreadSnapshot{
			ChatID:   chatID,
			Messages: thread.Messages,
		})
	}
}

// Close cancels pending scheduled work and fences out in-flight reads.
// Matches unmount semantics: nothing publishes after Close.
func (l *Loader) Close() {
	l.mu.Lock()
	l.closed = true
	l.summarySeq++
	l.threadSeq++
	pending := l.pending
	l.pending = make(map[*pendingSlot]schedule.Pending)
	l.mu.Unlock()

	for _, p := range pending {
		p.Cancel()
	}
}

// after schedules fn and tracks it for Close. The tracking entry is dropped
// as soon as the callback fires, so a long-lived loader does not accumulate
// spent timers.
func (l *Loader) after(d time.Duration, fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	s := &pendingSlot{}
	p := l.sched.After(d, func() {
		l.mu.Lock()
		s.fired = true
		delete(l.pending, s)
		l.mu.Unlock()
		fn()
	})

	l.mu.Lock()
	switch {
	case l.closed:
		l.mu.Unlock()
		p.Cancel()
	case s.fired:
		l.mu.Unlock()
	default:
		l.pending[s] = p
		l.mu.Unlock()
	}
}

func (l *Loader) summariesStale(seq uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed || seq != l.summarySeq
}

func (l *Loader) threadStale(seq uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed || seq != l.threadSeq
}
