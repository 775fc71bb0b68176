package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"coachchat/internal/config"
	"coachchat/internal/models"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

// Client produces the next assistant reply for a transcript. onChunk, when
// non-nil, receives each streamed fragment as it arrives; returning an error
// from it aborts the completion.
type Client interface {
	Complete(ctx context.Context, turns []models.Turn, onChunk func(string) error) (string, error)
}

// ChatClient drives an eino chat model with fixed sampling settings.
type ChatClient struct {
	model   model.BaseChatModel
	timeout time.Duration
}

// New builds a client for the configured provider.
func New(ctx context.Context, cfg config.CompletionConfig) (*ChatClient, error) {
	m, err := newChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithModel(m, cfg.Timeout.Duration()), nil
}

// NewWithModel wraps an existing chat model.
func NewWithModel(m model.BaseChatModel, timeout time.Duration) *ChatClient {
	return &ChatClient{model: m, timeout: timeout}
}

// sampling holds the generation settings every provider receives.
type sampling struct {
	maxTokens   int
	temperature float32
	topP        float32
}

func samplingFrom(cfg config.CompletionConfig) *sampling {
	return &sampling{maxTokens: cfg.MaxTokens, temperature: cfg.Temperature, topP: cfg.TopP}
}

func newChatModel(ctx context.Context, cfg config.CompletionConfig) (model.BaseChatModel, error) {
	s := samplingFrom(cfg)
	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case "groq", "openai", "":
		baseURL := cfg.BaseURL
		if baseURL == "" && provider != "openai" {
			baseURL = groqBaseURL
		}
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     baseURL,
			Model:       cfg.Model,
			MaxTokens:   &s.maxTokens,
			Temperature: &s.temperature,
			TopP:        &s.topP,
			Timeout:     cfg.Timeout.Duration(),
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:      cfg.APIKey,
			Backend:     genai.BackendGeminiAPI,
			HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client:      client,
			Model:       cfg.Model,
			MaxTokens:   &s.maxTokens,
			Temperature: &s.temperature,
			TopP:        &s.topP,
		})
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURLPtr = &cfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			BaseURL:     baseURLPtr,
			MaxTokens:   s.maxTokens,
			Temperature: &s.temperature,
			TopP:        &s.topP,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Provider)
	}
}

// Complete streams the model reply for turns and returns the concatenated text.
func (c *ChatClient) Complete(ctx context.Context, turns []models.Turn, onChunk func(string) error) (string, error) {
	if len(turns) == 0 {
		return "", fmt.Errorf("%w: empty transcript", models.ErrValidation)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	messages, err := convertTurns(turns)
	if err != nil {
		return "", err
	}
	streamReader, err := c.model.Stream(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("%w: open stream: %v", models.ErrUpstream, err)
	}
	defer streamReader.Close()

	var full strings.Builder
	for {
		chunk, err := streamReader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: receive: %v", models.ErrUpstream, err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if onChunk != nil {
			if err := onChunk(chunk.Content); err != nil {
				return "", err
			}
		}
	}
	log.Debug("completion finished", "turns", len(turns), "chars", full.Len())
	return full.String(), nil
}

// convertTurns maps transcript turns onto model messages. Time labels are
// bookkeeping only and are not sent.
func convertTurns(turns []models.Turn) ([]*schema.Message, error) {
	messages := make([]*schema.Message, 0, len(turns))
	for i, turn := range turns {
		if !turn.Role.Valid() {
			return nil, fmt.Errorf("%w: turn %d has unknown role %q", models.ErrValidation, i, turn.Role)
		}
		var role schema.RoleType
		switch turn.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: turn.Content,
		})
	}
	return messages, nil
}
