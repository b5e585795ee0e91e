package chat

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Role identifies which side of a conversation produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Origin tags a message identity as provisional (minted locally before any
// write resolves) or durable (assigned by the store). A local message is
// never edited in place; it is superseded by its persisted counterpart
// during reconciliation.
type Origin int

const (
	OriginLocal Origin = iota
	OriginPersisted
)

func (o Origin) String() string {
	if o == OriginPersisted {
		return "persisted"
	}
	return "local"
}

type (
	ChatID = uuid.UUID
	UserID string
)

// Message is one entry in a conversation. Position is implicit: messages are
// appended in creation order and never reordered afterwards.
type Message struct {
	ID        uuid.UUID
	Origin    Origin
	Role      Role
	Content   string
	CreatedAt time.Time
}

// NewLocalMessage mints a message with a provisional identity.
func NewLocalMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.New(),
		Origin:    OriginLocal,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// Conversation is the durable identity of one chat thread. Owned by the
// store; the engine only ever holds a reference.
type Conversation struct {
	ID        ChatID
	UserID    UserID
	CreatedAt time.Time
}

// Thread is a conversation together with its full ordered message log.
type Thread struct {
	Conversation Conversation
	Messages     []Message
}

// Summary is the sidebar projection of a conversation: the conversation plus
// its lead message, if any.
type Summary struct {
	Conversation Conversation
	Lead         *Message
}

// NewChatLabel is shown for a conversation that has no messages yet.
const NewChatLabel = "New Chat"

// Label returns the display text for the sidebar entry.
func (s Summary) Label() string {
	if s.Lead == nil || s.Lead.Content == "" {
		return NewChatLabel
	}
	return s.Lead.Content
}

// Summarize projects threads into sidebar summaries.
func Summarize(threads []Thread) []Summary {
	summaries := make([]Summary, 0, len(threads))
	for _, th := range threads {
		sum := Summary{Conversation: th.Conversation}
		if len(th.Messages) > 0 {
			lead := th.Messages[0]
			sum.Lead = &lead
		}
		summaries = append(summaries, sum)
	}
	return summaries
}

// SortSummaries orders summaries most-recent-first by conversation creation
// time. The sort is stable so equal timestamps keep their store order.
func SortSummaries(summaries []Summary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].Conversation.CreatedAt.After(summaries[j].Conversation.CreatedAt)
	})
}
