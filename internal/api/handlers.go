package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/isoftao/erp-assistant/internal/auth"
	"github.com/isoftao/erp-assistant/internal/core"
	"github.com/isoftao/erp-assistant/internal/store"
)

type APIHandler struct {
	chatService *core.ChatService
	jwtSecret   string
}

func NewAPIHandler(cs *core.ChatService, jwtSecret string) *APIHandler {
	return &APIHandler{chatService: cs, jwtSecret: jwtSecret}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		claims, err := auth.ValidateJWT(h.jwtSecret, tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		user, err := h.chatService.GetUserByExternalID(claims.UserID)
		if err != nil {
			log.Error().Err(err).Str("user", claims.UserID).Msg("failed to load user in auth middleware")
			http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
			return
		}
		if user == nil {
			http.Error(w, "User not found", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), "userID", user.ID)
		ctx = context.WithValue(ctx, "claims", claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type SignupRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Error().Err(err).Str("user", req.UserID).Msg("failed to hash password")
		http.Error(w, "Failed to process password", http.StatusInternalServerError)
		return
	}

	user, err := h.chatService.CreateUser(req.UserID, hashedPassword, []string{auth.RoleAIUser})
	if err != nil {
		log.Error().Err(err).Str("user", req.UserID).Msg("failed to create user")
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.chatService.GetUserByExternalID(req.UserID)
	if err != nil {
		log.Error().Err(err).Str("user", req.UserID).Msg("failed to look up user")
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateJWT(h.jwtSecret, req.UserID, user.Roles)
	if err != nil {
		log.Error().Err(err).Str("user", req.UserID).Msg("failed to generate JWT")
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

type AskRequest struct {
	Question       string `json:"question"`
	History        string `json:"history,omitempty"` // JSON transcript, optional
	ConversationID string `json:"conversation_id,omitempty"`
}

type AskResponse struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
}

// AskHandler is the single pipeline entry point. The capability check runs
// before anything else; denials come back in-band as a styled notice, the way
// the assistant UI expects them.
func (h *APIHandler) AskHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)
	claims := r.Context().Value("claims").(*auth.Claims)

	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if !claims.HasRole(auth.RoleAIUser) {
		json.NewEncoder(w).Encode(AskResponse{Answer: core.AccessDeniedPanel(), ConversationID: req.ConversationID})
		return
	}

	answer, conversationID := h.chatService.Ask(r.Context(), userID, req.Question, req.History, req.ConversationID)
	json.NewEncoder(w).Encode(AskResponse{Answer: answer, ConversationID: conversationID})
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	conversations, err := h.chatService.GetConversations(userID)
	if err != nil {
		log.Error().Err(err).Int64("user", userID).Msg("failed to list conversations")
		http.Error(w, "Failed to list conversations", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(conversations)
}

func (h *APIHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)
	conversationID := chi.URLParam(r, "conversationID")

	conv, messages, err := h.chatService.GetConversationDetails(conversationID, userID)
	if err != nil {
		log.Error().Err(err).Str("conversation", conversationID).Msg("failed to get conversation")
		http.Error(w, "Failed to get conversation", http.StatusInternalServerError)
		return
	}
	if conv == nil {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}

	resp := GetConversationResponse{
		Conversation: conv,
		Messages:     messages,
	}
	json.NewEncoder(w).Encode(resp)
}

type GetConversationResponse struct {
	*store.Conversation
	Messages []store.Message `json:"messages"`
}

type FeedbackRequest struct {
	Negative bool `json:"negative"`
}

func (h *APIHandler) MessageFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)
	messageID := chi.URLParam(r, "messageID")

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.chatService.SetMessageFeedback(messageID, userID, req.Negative); err != nil {
		log.Error().Err(err).Str("message", messageID).Msg("failed to set feedback")
		http.Error(w, "Failed to set feedback", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
