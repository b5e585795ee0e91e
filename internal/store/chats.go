package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/conbot-ai/conbot/internal/chat"
)

// CreateConversation inserts an empty chat owned by user and returns its id.
func (s *Store) CreateConversation(ctx context.Context, owner chat.UserID) (chat.ChatID, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chats (id, user_id, created_at)
		VALUES ($1, $2, now())`,
		id, string(owner),
	)
	if err != nil {
		return chat.NilChat, fmt.Errorf("insert chat: %w", err)
	}
	return id, nil
}

// AppendMessage appends one message to a chat and returns the persisted
// record with its durable identity.
func (s *Store) AppendMessage(ctx context.Context, chatID chat.ChatID, role chat.Role, content string) (chat.Message, error) {
	id := uuid.New()
	var createdAt time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, chat_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING created_at`,
		id, chatID, string(role), content,
	).Scan(&createdAt)
	if err != nil {
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return chat.Message{
		ID:        id,
		Origin:    chat.OriginPersisted,
		Role:      role,
		Content:   content,
		CreatedAt: createdAt,
	}, nil
}

// ListConversationsByOwner returns the user's chats, most recent first, each
// with its full message log in creation order.
func (s *Store) ListConversationsByOwner(ctx context.Context, owner chat.UserID) ([]chat.Thread, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, created_at
		FROM chats
		WHERE user_id = $1
		ORDER BY created_at DESC`,
		string(owner),
	)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	var threads []chat.Thread
	index := make(map[chat.ChatID]int)
	for rows.Next() {
		var conv chat.Conversation
		var userID string
		if err := rows.Scan(&conv.ID, &userID, &conv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		conv.UserID = chat.UserID(userID)
		index[conv.ID] = len(threads)
		threads = append(threads, chat.Thread{Conversation: conv})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	if len(threads) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(threads))
	for id := range index {
		ids = append(ids, id)
	}
	msgRows, err := s.pool.Query(ctx, `
		SELECT id, chat_id, role, content, created_at
		FROM messages
		WHERE chat_id = ANY($1)
		ORDER BY created_at ASC, id ASC`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer msgRows.Close()

	for msgRows.Next() {
		var msg chat.Message
		var chatID chat.ChatID
		var role string
		if err := msgRows.Scan(&msg.ID, &chatID, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Origin = chat.OriginPersisted
		msg.Role = chat.Role(role)
		if i, ok := index[chatID]; ok {
			threads[i].Messages = append(threads[i].Messages, msg)
		}
	}
	if err := msgRows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return threads, nil
}

// GetConversation returns one chat with its ordered message log, or
// chat.ErrNotFound for an unknown id.
func (s *Store) GetConversation(ctx context.Context, chatID chat.ChatID) (chat.Thread, error) {
	var thread chat.Thread
	var userID string
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, created_at
		FROM chats
		WHERE id = $1`,
		chatID,
	).Scan(&thread.Conversation.ID, &userID, &thread.Conversation.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Thread{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.Thread{}, fmt.Errorf("query chat: %w", err)
	}
	thread.Conversation.UserID = chat.UserID(userID)

	rows, err := s.pool.Query(ctx, `
		SELECT id, role, content, created_at
		FROM messages
		WHERE chat_id = $1
		ORDER BY created_at ASC, id ASC`,
		chatID,
	)
	if err != nil {
		return chat.Thread{}, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg chat.Message
		var role string
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return chat.Thread{}, fmt.Errorf("scan message: %w", err)
		}
		msg.Origin = chat.OriginPersisted
		msg.Role = chat.Role(role)
		thread.Messages = append(thread.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return chat.Thread{}, fmt.Errorf("rows error: %w", err)
	}

	return thread, nil
}
