package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// ChatMessage is one turn of a conversation sent to the oracle.
// Role is "user", "assistant" or "system".
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the token spend of a single oracle call.
type Usage struct {
	Prompt     int
	Completion int
	Total      int
}

// TokenUsage accumulates the spend of every oracle call made while handling
// one request. It is recorded on the message at the end.
type TokenUsage struct {
	Prompt     int
	Completion int
	Total      int
}

func (u *TokenUsage) Add(d Usage) {
	if u == nil {
		return
	}
	u.Prompt += d.Prompt
	u.Completion += d.Completion
	u.Total += d.Total
}

// Oracle is the external language model. It may be slow, may refuse, and
// guarantees nothing about its output; every caller must be prepared to fall
// back when it errors.
type Oracle interface {
	Complete(ctx context.Context, messages []ChatMessage, maxTokens int, temperature float32) (string, Usage, error)
}

const defaultModelName = "gemini-1.5-flash-latest"

// GeminiOracle implements Oracle on the Gemini API.
type GeminiOracle struct {
	client    *genai.Client
	modelName string
}

func NewGeminiOracle(ctx context.Context, apiKey string) (*GeminiOracle, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiOracle{client: client, modelName: defaultModelName}, nil
}

func (o *GeminiOracle) Close() {
	if o.client != nil {
		if err := o.client.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing GenAI client")
		}
	}
}

func (o *GeminiOracle) Complete(ctx context.Context, messages []ChatMessage, maxTokens int, temperature float32) (string, Usage, error) {
	if len(messages) == 0 {
		return "", Usage{}, fmt.Errorf("no messages provided for completion")
	}

	model := o.client.GenerativeModel(o.modelName)

	// System turns become the model's system instruction; the rest map to
	// Gemini's user/model chat roles.
	var system strings.Builder
	var turns []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(msg.Content)
		case "assistant", "model":
			turns = append(turns, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(msg.Content)}})
		default:
			turns = append(turns, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(msg.Content)}})
		}
	}
	if system.Len() > 0 {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system.String())}}
	}

	if maxTokens > 0 {
		mt := int32(maxTokens)
		model.GenerationConfig.MaxOutputTokens = &mt
	}
	temp := temperature
	model.GenerationConfig.Temperature = &temp

	if len(turns) == 0 || turns[len(turns)-1].Role != "user" {
		return "", Usage{}, fmt.Errorf("last message must be a user turn")
	}

	session := model.StartChat()
	session.History = turns[:len(turns)-1]

	resp, err := session.SendMessage(ctx, turns[len(turns)-1].Parts...)
	if err != nil {
		return "", Usage{}, fmt.Errorf("gemini SendMessage failed: %w", err)
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage = Usage{
			Prompt:     int(resp.UsageMetadata.PromptTokenCount),
			Completion: int(resp.UsageMetadata.CandidatesTokenCount),
			Total:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", usage, fmt.Errorf("gemini returned no candidates")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		} else {
			log.Debug().Str("type", fmt.Sprintf("%T", part)).Msg("gemini response part was not text")
		}
	}
	if text.Len() == 0 {
		return "", usage, fmt.Errorf("gemini returned an empty text response")
	}

	return text.String(), usage, nil
}
