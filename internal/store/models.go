package store

import "time"

type User struct {
	ID             int64     `json:"id"`
	ExternalUserID string    `json:"external_user_id"`
	PasswordHash   string    `json:"-"` // Do not expose this in JSON responses
	Roles          []string  `json:"roles"`
	CreatedAt      time.Time `json:"created_at"`
}

type Conversation struct {
	ID        string    `json:"id"` // UUID
	UserID    int64     `json:"user_id"`
	Title     *string   `json:"title"` // Nullable until generated
	CreatedAt time.Time `json:"created_at"`
}

// Message is one completed exchange: the user's question and the rendered
// answer, with the token spend of every oracle call made while answering.
type Message struct {
	ID               string    `json:"id"` // UUID
	ConversationID   string    `json:"conversation_id"`
	Question         string    `json:"question"`
	Answer           string    `json:"answer"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	NegativeFeedback bool      `json:"negative_feedback"`
	Timestamp        time.Time `json:"timestamp"`
}
