package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/conbot-ai/conbot/internal/chat"
)

type appendCall struct {
	chatID  chat.ChatID
	role    chat.Role
	content string
}

type fakeStore struct {
	mu            sync.Mutex
	createErr     error
	appendErr     map[chat.Role]error
	created       []chat.UserID
	appends       []appendCall
	nextChat      chat.ChatID
	createStarted chan struct{} // closed when CreateConversation is entered
	createBlock   chan struct{} // CreateConversation waits on it when set
}

func newFakeStore() *fakeStore {
	return &fakeStore{nextChat: uuid.New()}
}

func (f *fakeStore) CreateConversation(_ context.Context, owner chat.UserID) (chat.ChatID, error) {
	f.mu.Lock()
	started := f.createStarted
	f.createStarted = nil
	block := f.createBlock
	f.mu.Unlock()
	if started != nil {
		close(started)
	}
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return chat.NilChat, f.createErr
	}
	f.created = append(f.created, owner)
	return f.nextChat, nil
}

func (f *fakeStore) AppendMessage(_ context.Context, chatID chat.ChatID, role chat.Role, content string) (chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.appendErr[role]; err != nil {
		return chat.Message{}, err
	}
	f.appends = append(f.appends, appendCall{chatID: chatID, role: role, content: content})
	return chat.Message{
		ID:        uuid.New(),
		Origin:    chat.OriginPersisted,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeStore) ListConversationsByOwner(context.Context, chat.UserID) ([]chat.Thread, error) {
	return nil, nil
}

func (f *fakeStore) GetConversation(context.Context, chat.ChatID) (chat.Thread, error) {
	return chat.Thread{}, chat.ErrNotFound
}

func (f *fakeStore) appendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appends)
}

type fakeGen struct {
	mu     sync.Mutex
	reply  string
	err    error
	calls  int
	onCall func() // runs inside Generate, before returning
	block  chan struct{}
}

func (f *fakeGen) Generate(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	f.calls++
	onCall := f.onCall
	block := f.block
	f.mu.Unlock()
	if onCall != nil {
		onCall()
	}
	if block != nil {
		<-block
	}
	return f.reply, f.err
}

func (f *fakeGen) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSurface struct {
	mu        sync.Mutex
	sessions  []chat.SessionSnapshot
	navigated []chat.ChatID
	errs      []string
}

func (f *fakeSurface) RenderSession(s chat.SessionSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, s)
}

func (f *fakeSurface) RenderHistory(chat.HistorySnapshot) {}
func (f *fakeSurface) RenderThread(chat.ThreadSnapshot)   {}

func (f *fakeSurface) Navigate(id chat.ChatID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigated = append(f.navigated, id)
}

func (f *fakeSurface) NotifyError(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, msg)
}

func (f *fakeSurface) last() chat.SessionSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return chat.SessionSnapshot{}
	}
	return f.sessions[len(f.sessions)-1]
}

func (f *fakeSurface) renderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeSurface) errCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errs)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestSubmit_EmptyInputIsNoOp(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGen{reply: "hi"}
	surface := &fakeSurface{}
	syn := New(store, gen, surface, nil, "user-1", newTestLogger())

	syn.Submit(context.Background(), "   \n\t ")

	if surface.renderCount() != 0 {
		t.Errorf("expected no renders, got %d", surface.renderCount())
	}
	if gen.callCount() != 0 {
		t.Errorf("expected no generation calls, got %d", gen.callCount())
	}
	if len(store.created) != 0 || store.appendCount() != 0 {
		t.Error("expected no store traffic")
	}
}

func TestSubmit_OptimisticAppendVisibleBeforeGeneration(t *testing.T) {
	store := newFakeStore()
	surface := &fakeSurface{}
	gen := &fakeGen{reply: "the reply"}
	gen.onCall = func() {
		// By the time the provider is invoked, the user's message must
		// already have been rendered with the in-progress flag up.
		snap := surface.last()
		if len(snap.Messages) != 1 {
			t.Errorf("expected 1 optimistic message at generation time, got %d", len(snap.Messages))
		}
		if !snap.Generating {
			t.Error("expected generating=true at generation time")
		}
		if len(snap.Messages) == 1 {
			if snap.Messages[0].Role != chat.RoleUser || snap.Messages[0].Content != "Hello" {
				t.Errorf("unexpected optimistic message: %+v", snap.Messages[0])
			}
			if snap.Messages[0].Origin != chat.OriginLocal {
				t.Error("expected optimistic message to carry a provisional identity")
			}
		}
	}
	syn := New(store, gen, surface, nil, "", newTestLogger())

	syn.Submit(context.Background(), "Hello")

	if gen.callCount() != 1 {
		t.Fatalf("expected 1 generation call, got %d", gen.callCount())
	}
}

func TestSubmit_AuthenticatedFirstMessage(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGen{reply: "Hello there!"}
	surface := &fakeSurface{}
	syn := New(store, gen, surface, nil, "user-1", newTestLogger())

	syn.Submit(context.Background(), "Hi")

	if len(store.created) != 1 || store.created[0] != "user-1" {
		t.Fatalf("expected one conversation created for user-1, got %v", store.created)
	}
	if len(surface.navigated) != 1 || surface.navigated[0] != store.nextChat {
		t.Errorf("expected navigation to new chat, got %v", surface.navigated)
	}

	if store.appendCount() != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", store.appendCount())
	}
	if store.appends[0].role != chat.RoleUser || store.appends[0].content != "Hi" {
		t.Errorf("first write should be the user message, got %+v", store.appends[0])
	}
	if store.appends[1].role != chat.RoleAssistant || store.appends[1].content != "Hello there!" {
		t.Errorf("second write should be the assistant message, got %+v", store.appends[1])
	}

	snap := surface.last()
	if snap.Generating {
		t.Error("expected generating=false after resolution")
	}
	if snap.ChatID != store.nextChat {
		t.Errorf("expected view bound to created chat, got %v", snap.ChatID)
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("expected 2 messages in view, got %d", len(snap.Messages))
	}
	if snap.Messages[0].Origin != chat.OriginPersisted {
		t.Error("expected user message reconciled to its persisted identity")
	}
	if snap.Messages[1].Origin != chat.OriginPersisted || snap.Messages[1].Role != chat.RoleAssistant {
		t.Errorf("expected persisted assistant reply, got %+v", snap.Messages[1])
	}
	if surface.errCount() != 0 {
		t.Errorf("expected no error notifications, got %v", surface.errs)
	}
}

func TestSubmit_AnonymousNeverTouchesStore(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGen{reply: "Hi, anonymous"}
	surface := &fakeSurface{}
	syn := New(store, gen, surface, nil, "", newTestLogger())

	syn.Submit(context.Background(), "Hello")

	if len(store.created) != 0 || store.appendCount() != 0 {
		t.Error("anonymous submission must not touch the store")
	}
	snap := surface.last()
	if len(snap.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(snap.Messages))
	}
	if snap.Messages[0].Content != "Hello" || snap.Messages[1].Content != "Hi, anonymous" {
		t.Errorf("unexpected contents: %q then %q", snap.Messages[0].Content, snap.Messages[1].Content)
	}
	if snap.Messages[1].Origin != chat.OriginLocal {
		t.Error("anonymous assistant reply must keep a provisional identity")
	}
	if snap.ChatID != chat.NilChat {
		t.Error("anonymous session must not acquire a conversation identity")
	}
}

func TestSubmit_CreateConversationFailureAborts(t *testing.T) {
	store := newFakeStore()
	store.createErr = errors.New("db down")
	gen := &fakeGen{reply: "unused"}
	surface := &fakeSurface{}
	syn := New(store, gen, surface, nil, "user-1", newTestLogger())

	syn.Submit(context.Background(), "Hi")

	if surface.errCount() != 1 {
		t.Fatalf("expected 1 error notification, got %d", surface.errCount())
	}
	if gen.callCount() != 0 {
		t.Error("generation must not run when conversation creation fails")
	}
	if surface.renderCount() != 0 {
		t.Error("no message may be appended when conversation creation fails")
	}
	if snap := syn.Snapshot(); len(snap.Messages) != 0 || snap.Generating {
		t.Errorf("expected untouched view, got %+v", snap)
	}
}

func TestSubmit_GenerationFailureKeepsUserMessage(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGen{err: errors.New("provider down")}
	surface := &fakeSurface{}
	syn := New(store, gen, surface, nil, "user-1", newTestLogger())

	syn.Submit(context.Background(), "Hello")

	snap := surface.last()
	if len(snap.Messages) != 1 || snap.Messages[0].Role != chat.RoleUser {
		t.Fatalf("expected only the user message retained, got %d messages", len(snap.Messages))
	}
	if snap.Generating {
		t.Error("expected generating=false after failure")
	}
	if surface.errCount() != 1 {
		t.Errorf("expected exactly 1 error notification, got %d", surface.errCount())
	}
	if store.appendCount() != 0 {
		t.Error("no persistence may be attempted after generation failure")
	}
}

func TestSubmit_EmptyReplyIsProviderFailure(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGen{reply: "   "}
	surface := &fakeSurface{}
	syn := New(store, gen, surface, nil, "", newTestLogger())

	syn.Submit(context.Background(), "Hello")

	if surface.errCount() != 1 {
		t.Errorf("expected 1 error notification, got %d", surface.errCount())
	}
	if snap := surface.last(); len(snap.Messages) != 1 {
		t.Errorf("expected only the user message, got %d", len(snap.Messages))
	}
}

func TestSubmit_AssistantPersistFailureKeepsOrphanedUserWrite(t *testing.T) {
	store := newFakeStore()
	store.appendErr = map[chat.Role]error{chat.RoleAssistant: errors.New("write failed")}
	gen := &fakeGen{reply: "the reply"}
	surface := &fakeSurface{}
	syn := New(store, gen, surface, nil, "user-1", newTestLogger())

	syn.Submit(context.Background(), "Hi")

	// The user write landed and stays; the pair is not transactional.
	if store.appendCount() != 1 || store.appends[0].role != chat.RoleUser {
		t.Fatalf("expected the lone user write to remain, got %+v", store.appends)
	}
	if surface.errCount() != 1 {
		t.Errorf("expected 1 error notification, got %d", surface.errCount())
	}
	snap := surface.last()
	if len(snap.Messages) != 1 {
		t.Fatalf("expected no assistant message in view, got %d messages", len(snap.Messages))
	}
	if snap.Messages[0].Origin != chat.OriginPersisted {
		t.Error("user message should still have been reconciled")
	}
	if snap.Generating {
		t.Error("expected generating=false after failure")
	}
}

func TestStop_DropsLateReply(t *testing.T) {
	store := newFakeStore()
	started := make(chan struct{})
	release := make(chan struct{})
	gen := &fakeGen{reply: "too late", block: release}
	gen.onCall = func() { close(started) }
	surface := &fakeSurface{}
	syn := New(store, gen, surface, nil, "user-1", newTestLogger())

	done := make(chan struct{})
	go func() {
		syn.Submit(context.Background(), "Hello")
		close(done)
	}()

	<-started
	syn.Stop()

	if snap := syn.Snapshot(); snap.Generating {
		t.Error("expected generating=false immediately after Stop")
	}
	renders := surface.renderCount()

	close(release)
	<-done

	snap := syn.Snapshot()
	for _, m := range snap.Messages {
		if m.Role == chat.RoleAssistant {
			t.Error("late reply must not be appended after Stop")
		}
	}
	if store.appendCount() != 0 {
		t.Error("late reply must not be persisted after Stop")
	}
	if surface.renderCount() != renders {
		t.Errorf("fenced-out attempt must not render, got %d extra renders", surface.renderCount()-renders)
	}
	if surface.errCount() != 0 {
		t.Errorf("expected no error notifications, got %v", surface.errs)
	}
}

func TestStop_WithoutSubmissionIsNoOp(t *testing.T) {
	surface := &fakeSurface{}
	syn := New(newFakeStore(), &fakeGen{}, surface, nil, "", newTestLogger())

	syn.Stop()

	if surface.renderCount() != 0 {
		t.Errorf("expected no renders, got %d", surface.renderCount())
	}
}

func TestSubmit_OverlappingSubmissionDropped(t *testing.T) {
	store := newFakeStore()
	started := make(chan struct{})
	release := make(chan struct{})
	gen := &fakeGen{reply: "first reply", block: release}
	gen.onCall = func() { close(started) }
	surface := &fakeSurface{}
	syn := New(store, gen, surface, nil, "", newTestLogger())

	done := make(chan struct{})
	go func() {
		syn.Submit(context.Background(), "first")
		close(done)
	}()
	<-started

	// A second submit while one is generating is dropped outright.
	syn.Submit(context.Background(), "second")
	if gen.callCount() != 1 {
		t.Errorf("expected the overlapping submit to be dropped, got %d generation calls", gen.callCount())
	}

	close(release)
	<-done

	snap := syn.Snapshot()
	if len(snap.Messages) != 2 {
		t.Fatalf("expected user+assistant from the first submission only, got %d", len(snap.Messages))
	}
	if snap.Messages[0].Content != "first" {
		t.Errorf("unexpected first message: %q", snap.Messages[0].Content)
	}
}

func TestSubmit_OverlapDuringConversationCreationDropped(t *testing.T) {
	store := newFakeStore()
	started := make(chan struct{})
	release := make(chan struct{})
	store.createStarted = started
	store.createBlock = release
	gen := &fakeGen{reply: "the reply"}
	surface := &fakeSurface{}
	syn := New(store, gen, surface, nil, "user-1", newTestLogger())

	done := make(chan struct{})
	go func() {
		syn.Submit(context.Background(), "first")
		close(done)
	}()
	<-started

	// The guard is already up while conversation creation is in flight, so
	// this overlapping submit is dropped before any side effect.
	syn.Submit(context.Background(), "second")

	close(release)
	<-done

	if len(store.created) != 1 {
		t.Errorf("expected a single conversation, got %d", len(store.created))
	}
	if gen.callCount() != 1 {
		t.Errorf("expected the overlapping submit to be dropped, got %d generation calls", gen.callCount())
	}
	snap := syn.Snapshot()
	if len(snap.Messages) != 2 || snap.Messages[0].Content != "first" {
		t.Errorf("expected only the first submission's exchange, got %+v", snap.Messages)
	}
}

func TestStop_DuringConversationCreation(t *testing.T) {
	store := newFakeStore()
	started := make(chan struct{})
	release := make(chan struct{})
	store.createStarted = started
	store.createBlock = release
	gen := &fakeGen{reply: "unused"}
	surface := &fakeSurface{}
	syn := New(store, gen, surface, nil, "user-1", newTestLogger())

	done := make(chan struct{})
	go func() {
		syn.Submit(context.Background(), "Hi")
		close(done)
	}()
	<-started

	syn.Stop()

	close(release)
	<-done

	snap := syn.Snapshot()
	if len(snap.Messages) != 0 || snap.Generating {
		t.Errorf("expected an untouched view after stop, got %+v", snap)
	}
	if len(surface.navigated) != 0 {
		t.Error("stopped submission must not navigate")
	}
	if gen.callCount() != 0 {
		t.Error("stopped submission must not reach the provider")
	}
	if store.appendCount() != 0 {
		t.Error("stopped submission must not persist")
	}
}

func TestAttach_AdoptsPersistedConversation(t *testing.T) {
	surface := &fakeSurface{}
	syn := New(newFakeStore(), &fakeGen{reply: "next"}, surface, nil, "user-1", newTestLogger())

	chatID := uuid.New()
	existing := []chat.Message{
		{ID: uuid.New(), Origin: chat.OriginPersisted, Role: chat.RoleUser, Content: "older"},
		{ID: uuid.New(), Origin: chat.OriginPersisted, Role: chat.RoleAssistant, Content: "reply"},
	}
	syn.Attach(chatID, existing)

	snap := surface.last()
	if snap.ChatID != chatID {
		t.Errorf("expected view bound to %v, got %v", chatID, snap.ChatID)
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("expected 2 adopted messages, got %d", len(snap.Messages))
	}

	// A subsequent submit reuses the attached identity: no new conversation.
	store := newFakeStore()
	syn2 := New(store, &fakeGen{reply: "next"}, &fakeSurface{}, nil, "user-1", newTestLogger())
	syn2.Attach(chatID, existing)
	syn2.Submit(context.Background(), "more")
	if len(store.created) != 0 {
		t.Error("attached session must not create another conversation")
	}
	if store.appendCount() != 2 {
		t.Errorf("expected 2 writes against the attached chat, got %d", store.appendCount())
	}
	if store.appends[0].chatID != chatID {
		t.Errorf("writes must target the attached chat, got %v", store.appends[0].chatID)
	}
}

func TestReset_DiscardsView(t *testing.T) {
	surface := &fakeSurface{}
	syn := New(newFakeStore(), &fakeGen{}, surface, nil, "user-1", newTestLogger())
	syn.Attach(uuid.New(), []chat.Message{
		{ID: uuid.New(), Origin: chat.OriginPersisted, Role: chat.RoleUser, Content: "x"},
	})

	syn.Reset()

	snap := syn.Snapshot()
	if snap.ChatID != chat.NilChat || len(snap.Messages) != 0 || snap.Generating {
		t.Errorf("expected empty view after reset, got %+v", snap)
	}
}
