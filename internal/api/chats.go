package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/conbot-ai/conbot/internal/chat"
)

// messageDTO is the wire shape of one message. ID is empty for replies that
// were never persisted (anonymous exchanges).
type messageDTO struct {
	ID        string    `json:"id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type chatDTO struct {
	ID        string       `json:"id"`
	UserID    string       `json:"user_id"`
	CreatedAt time.Time    `json:"created_at"`
	Label     string       `json:"label"`
	Messages  []messageDTO `json:"messages"`
}

func toMessageDTO(m chat.Message) messageDTO {
	dto := messageDTO{
		Role:      string(m.Role),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
	if m.Origin == chat.OriginPersisted {
		dto.ID = m.ID.String()
	}
	return dto
}

func toChatDTO(th chat.Thread) chatDTO {
	sum := chat.Summary{Conversation: th.Conversation}
	if len(th.Messages) > 0 {
		sum.Lead = &th.Messages[0]
	}
	dto := chatDTO{
		ID:        th.Conversation.ID.String(),
		UserID:    string(th.Conversation.UserID),
		CreatedAt: th.Conversation.CreatedAt,
		Label:     sum.Label(),
		Messages:  make([]messageDTO, 0, len(th.Messages)),
	}
	for _, m := range th.Messages {
		dto.Messages = append(dto.Messages, toMessageDTO(m))
	}
	return dto
}

type createChatRequest struct {
	UserID string `json:"user_id"`
}

// createChat handles POST /api/v1/chats.
func (s *Server) createChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "User ID is required")
		return
	}

	chatID, err := s.store.CreateConversation(r.Context(), chat.UserID(req.UserID))
	if err != nil {
		s.logger.Error("create chat failed", "user", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "An error occurred while creating chat")
		return
	}

	if s.relay != nil {
		s.relay.ConversationCreated(chatID, chat.UserID(req.UserID))
	}

	writeJSON(w, http.StatusCreated, map[string]string{"chat_id": chatID.String()})
}

// listChats handles GET /api/v1/chats?user_id=.
func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "User ID is required")
		return
	}

	threads, err := s.store.ListConversationsByOwner(r.Context(), chat.UserID(userID))
	if err != nil {
		s.logger.Error("list chats failed", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "An error occurred while fetching chat history")
		return
	}

	chats := make([]chatDTO, 0, len(threads))
	for _, th := range threads {
		chats = append(chats, toChatDTO(th))
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

// getChat handles GET /api/v1/chats/{chatID}.
func (s *Server) getChat(w http.ResponseWriter, r *http.Request) {
	chatID, err := uuid.Parse(chi.URLParam(r, "chatID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Chat ID is required")
		return
	}

	thread, err := s.store.GetConversation(r.Context(), chatID)
	if errors.Is(err, chat.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Chat not found")
		return
	}
	if err != nil {
		s.logger.Error("get chat failed", "chat_id", chatID, "error", err)
		writeError(w, http.StatusInternalServerError, "An error occurred while fetching chat messages")
		return
	}

	writeJSON(w, http.StatusOK, toChatDTO(thread))
}

type generateRequest struct {
	ChatID  string `json:"chat_id,omitempty"`
	Message string `json:"message"`
}

type generateResponse struct {
	Messages []messageDTO `json:"messages"`
}

// generate handles POST /api/v1/generate. With a chat id the exchange is
// persisted as two ordered writes (user first); without one the reply is
// returned without touching the store.
func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "Message is required")
		return
	}

	var chatID chat.ChatID
	if req.ChatID != "" {
		id, err := uuid.Parse(req.ChatID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid chat id")
			return
		}
		chatID = id
	}

	reply, err := s.gen.Generate(r.Context(), req.Message)
	if err != nil {
		s.logger.Error("generation failed", "chat_id", req.ChatID, "error", err)
		writeError(w, http.StatusInternalServerError, "An error occurred while generating AI response")
		return
	}
	if strings.TrimSpace(reply) == "" {
		reply = "No response from AI"
	}

	if chatID == chat.NilChat {
		writeJSON(w, http.StatusOK, generateResponse{
			Messages: []messageDTO{{Role: string(chat.RoleAssistant), Content: reply}},
		})
		return
	}

	userMsg, err := s.store.AppendMessage(r.Context(), chatID, chat.RoleUser, req.Message)
	if err != nil {
		s.logger.Error("persist user message failed", "chat_id", chatID, "error", err)
		writeError(w, http.StatusInternalServerError, "An error occurred while generating AI response")
		return
	}
	aiMsg, err := s.store.AppendMessage(r.Context(), chatID, chat.RoleAssistant, reply)
	if err != nil {
		s.logger.Error("persist assistant message failed", "chat_id", chatID, "error", err)
		writeError(w, http.StatusInternalServerError, "An error occurred while generating AI response")
		return
	}

	if s.relay != nil {
		s.relay.ExchangeStored(chatID, userMsg.ID, aiMsg.ID)
	}

	writeJSON(w, http.StatusOK, generateResponse{
		Messages: []messageDTO{toMessageDTO(aiMsg)},
	})
}
