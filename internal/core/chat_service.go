package core

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/isoftao/erp-assistant/internal/cache"
	"github.com/isoftao/erp-assistant/internal/store"
)

// ChatService owns the ask pipeline and everything around it: cache,
// conversation persistence, and the per-request dispatch across the intent
// branches.
type ChatService struct {
	dbStore  *store.SQLiteStore
	cache    cache.ResponseCache
	oracle   Oracle
	intents  *IntentService
	sqlSvc   *SQLService
	querySvc *QueryService
	studySvc *StudyService
	opts     Options
}

func NewChatService(db *store.SQLiteStore, responseCache cache.ResponseCache, oracle Oracle,
	intents *IntentService, sqlSvc *SQLService, querySvc *QueryService, studySvc *StudyService, opts Options) *ChatService {
	return &ChatService{
		dbStore:  db,
		cache:    responseCache,
		oracle:   oracle,
		intents:  intents,
		sqlSvc:   sqlSvc,
		querySvc: querySvc,
		studySvc: studySvc,
		opts:     opts,
	}
}

// User and conversation plumbing, exposed to the API layer.

func (s *ChatService) GetUserByExternalID(externalUserID string) (*store.User, error) {
	return s.dbStore.GetUserByExternalID(externalUserID)
}

func (s *ChatService) CreateUser(externalUserID, passwordHash string, roles []string) (*store.User, error) {
	return s.dbStore.CreateUser(externalUserID, passwordHash, roles)
}

func (s *ChatService) GetConversations(userID int64) ([]store.Conversation, error) {
	return s.dbStore.GetConversationsByUserID(userID)
}

func (s *ChatService) GetConversationDetails(conversationID string, userID int64) (*store.Conversation, []store.Message, error) {
	conv, err := s.dbStore.GetConversationByID(conversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	if conv == nil {
		return nil, nil, nil // Not found
	}
	messages, err := s.dbStore.GetMessagesByConversationID(conversationID, 100, 0)
	if err != nil {
		return nil, nil, err
	}
	return conv, messages, nil
}

func (s *ChatService) SetMessageFeedback(messageID string, userID int64, negative bool) error {
	return s.dbStore.UpdateMessageFeedback(messageID, negative)
}

// Ask answers one question. It always returns a non-empty, HTML-safe answer:
// every failure inside the pipeline degrades to a narrower path or a styled
// notice. The returned conversation id identifies the (possibly new)
// conversation the exchange was appended to; it is empty only when the
// request was rejected before the pipeline ran.
func (s *ChatService) Ask(ctx context.Context, userID int64, question, historyJSON, conversationID string) (string, string) {
	question = strings.TrimSpace(question)
	if question == "" {
		// Input error: short-circuit with no oracle/data/store calls.
		return WarningPanel("No question provided."), ""
	}

	history := parseHistory(historyJSON)
	usage := &TokenUsage{}

	key := cache.Key(question, trailingTexts(history, s.opts.ContextTurns))
	if payload, ok := s.cache.Get(ctx, key); ok {
		log.Info().Str("question", truncateForLog(question)).Msg("cache hit, skipping pipeline")
		return payload, s.persistExchange(ctx, userID, conversationID, question, payload, usage)
	}

	answer, cacheable := s.runPipeline(ctx, question, history, usage)

	if cacheable && s.opts.CacheTTL > 0 {
		s.cache.Set(ctx, key, answer, s.opts.CacheTTL)
	}

	return answer, s.persistExchange(ctx, userID, conversationID, question, answer, usage)
}

// runPipeline is the core dispatch: preprocess, classify, branch. The bool
// reports cacheability.
func (s *ChatService) runPipeline(ctx context.Context, question string, history []ChatMessage, usage *TokenUsage) (string, bool) {
	effective := Preprocess(question, history)
	result := s.intents.Classify(ctx, effective, history, usage)

	switch result.Intent {
	case IntentClarify:
		return s.querySvc.ClarifyAnswer(ctx, effective, usage), false

	case IntentStudy:
		if answer, handled, cacheable := s.studySvc.Analyze(ctx, effective, usage); handled {
			return answer, cacheable
		}
		// Gate refused: the classifier overreached, treat as a data question.
		return s.dataQueryAnswer(ctx, effective, history, result, usage)

	case IntentSales, IntentPurchasing, IntentStock, IntentAccounting, IntentHR, IntentManufacturing:
		return s.dataQueryAnswer(ctx, effective, history, result, usage)

	case IntentGeneralReport:
		// Generic bucket: probe for a study the primary classifier missed,
		// but only when its own confidence is low.
		if result.Confidence < s.opts.StudyProbeBelow {
			if answer, handled, cacheable := s.studySvc.Analyze(ctx, effective, usage); handled {
				return answer, cacheable
			}
		}
		return s.dataQueryAnswer(ctx, effective, history, result, usage)

	case IntentKnowledge:
		if result.Confidence < s.opts.StudyProbeBelow {
			if answer, handled, cacheable := s.studySvc.Analyze(ctx, effective, usage); handled {
				return answer, cacheable
			}
		}
		return s.querySvc.KnowledgeAnswer(ctx, history, effective, usage)

	default:
		// Unreachable with a well-formed Intent, but the taxonomy's safe
		// default is general knowledge.
		return s.querySvc.KnowledgeAnswer(ctx, history, effective, usage)
	}
}

// dataQueryAnswer is the SQL path: synthesize, validate, execute, format. A
// rejected candidate falls back to the knowledge path.
func (s *ChatService) dataQueryAnswer(ctx context.Context, question string, history []ChatMessage, result IntentResult, usage *TokenUsage) (string, bool) {
	candidate, err := s.sqlSvc.Synthesize(ctx, question, result.Intent.String(), usage)
	if err != nil {
		log.Warn().Err(err).Str("question", truncateForLog(question)).Msg("no usable SQL candidate, answering from knowledge")
		return s.querySvc.KnowledgeAnswer(ctx, history, question, usage)
	}
	log.Info().Str("query", candidate.Query).Msg("generated SQL")
	return s.querySvc.Run(ctx, question, candidate, usage)
}

// persistExchange appends exactly one message for the handled request,
// creating (and asynchronously titling) the conversation when needed. Store
// failures are logged, never surfaced: the user already has their answer.
func (s *ChatService) persistExchange(ctx context.Context, userID int64, conversationID, question, answer string, usage *TokenUsage) string {
	conv, err := s.resolveConversation(userID, conversationID, question)
	if err != nil {
		log.Error().Err(err).Msg("failed to resolve conversation")
		return conversationID
	}

	msg := &store.Message{
		ConversationID:   conv.ID,
		Question:         question,
		Answer:           answer,
		PromptTokens:     usage.Prompt,
		CompletionTokens: usage.Completion,
		TotalTokens:      usage.Total,
	}
	if err := s.dbStore.AppendMessage(msg); err != nil {
		log.Error().Err(err).Str("conversation", conv.ID).Msg("failed to append message")
	}
	return conv.ID
}

func (s *ChatService) resolveConversation(userID int64, conversationID, titleSeed string) (*store.Conversation, error) {
	if conversationID != "" {
		conv, err := s.dbStore.GetConversationByID(conversationID, userID)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			if conv.Title == nil || *conv.Title == "" {
				go s.generateAndSaveTitle(conv.ID, userID, titleSeed)
			}
			return conv, nil
		}
		// Unknown or foreign id: fall through and start a fresh conversation.
	}

	conv, err := s.dbStore.CreateConversation(userID, nil)
	if err != nil {
		return nil, err
	}
	go s.generateAndSaveTitle(conv.ID, userID, titleSeed)
	return conv, nil
}

const titleSystemPrompt = "You are a helpful assistant that generates concise titles for chat conversations. " +
	"The title should be 3-5 words maximum. Just return the title itself, nothing else."

// generateAndSaveTitle runs detached from the request; losing the race (or
// the call) just leaves the conversation untitled until the next exchange.
func (s *ChatService) generateAndSaveTitle(conversationID string, userID int64, basis string) {
	text, _, err := s.oracle.Complete(context.Background(), []ChatMessage{
		{Role: "system", Content: titleSystemPrompt},
		{Role: "user", Content: "Generate a very concise title (3-5 words maximum) for a conversation that starts with: \"" + basis + "\"."},
	}, 20, 0.3)
	if err != nil {
		log.Warn().Err(err).Str("conversation", conversationID).Msg("failed to generate title")
		return
	}

	title := strings.Trim(text, "\"'\n\r\t .")
	if title == "" {
		return
	}
	if err := s.dbStore.UpdateConversationTitle(conversationID, userID, title); err != nil {
		log.Warn().Err(err).Str("conversation", conversationID).Msg("failed to save title")
	}
}

// parseHistory tolerates malformed history JSON: the original client sends a
// best-effort transcript and a bad payload just means an empty context.
func parseHistory(historyJSON string) []ChatMessage {
	if strings.TrimSpace(historyJSON) == "" {
		return nil
	}
	var history []ChatMessage
	if err := json.Unmarshal([]byte(historyJSON), &history); err != nil {
		log.Debug().Err(err).Msg("unparseable chat history, proceeding without context")
		return nil
	}
	return history
}

func trailingTexts(history []ChatMessage, n int) []string {
	turns := lastTurns(history, n)
	texts := make([]string, 0, len(turns))
	for _, t := range turns {
		texts = append(texts, t.Role+":"+t.Content)
	}
	return texts
}
