// Package bus publishes conversation lifecycle events over NATS so other
// surfaces (sidebar, notifiers) can refresh without polling.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/conbot-ai/conbot/internal/chat"
)

const (
	// SubjectConversationCreated fires when a visitor's first send
	// materializes a conversation.
	SubjectConversationCreated = "chat.conversation.created"
	// SubjectExchangeStored fires after a user/assistant pair is persisted.
	SubjectExchangeStored = "chat.exchange.stored"
)

// ConversationCreatedEvent announces a newly materialized conversation.
type ConversationCreatedEvent struct {
	ChatID    string `json:"chat_id"`
	UserID    string `json:"user_id"`
	Timestamp string `json:"timestamp"`
}

// ExchangeStoredEvent announces one persisted user/assistant exchange.
type ExchangeStoredEvent struct {
	ChatID             string `json:"chat_id"`
	UserMessageID      string `json:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id"`
	Timestamp          string `json:"timestamp"`
}

type Relay struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func Connect(url, token string, logger *slog.Logger) (*Relay, error) {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Relay{conn: nc, logger: logger}, nil
}

func (r *Relay) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return r.conn.Publish(subject, payload)
}

// ConversationCreated publishes the creation event. Publish failures are
// logged, not surfaced: the event stream is advisory.
func (r *Relay) ConversationCreated(chatID chat.ChatID, user chat.UserID) {
	evt := ConversationCreatedEvent{
		ChatID:    chatID.String(),
		UserID:    string(user),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.Publish(SubjectConversationCreated, evt); err != nil {
		r.logger.Warn("failed to publish conversation created", "chat_id", evt.ChatID, "error", err)
	}
}

// ExchangeStored publishes the persisted-exchange event.
func (r *Relay) ExchangeStored(chatID chat.ChatID, userMsgID, assistantMsgID uuid.UUID) {
	evt := ExchangeStoredEvent{
		ChatID:             chatID.String(),
		UserMessageID:      userMsgID.String(),
		AssistantMessageID: assistantMsgID.String(),
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.Publish(SubjectExchangeStored, evt); err != nil {
		r.logger.Warn("failed to publish exchange stored", "chat_id", evt.ChatID, "error", err)
	}
}

func (r *Relay) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := r.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	r.subs = append(r.subs, sub)
	r.logger.Info("subscribed", "subject", subject)
	return nil
}

func (r *Relay) Close() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.conn.Close()
}
