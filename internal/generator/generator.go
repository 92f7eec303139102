// Package generator adapts reply engines (large language models) to the
// pipeline. Everything a generator returns is untrusted: drafts are parsed
// into a contract.Proposed and always pass through validation.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tomkotik/aimanager/internal/contract"
)

// ErrEmptyCompletion is returned when the engine answered with no text.
var ErrEmptyCompletion = errors.New("reply engine returned no text")

// Roles of conversation turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one earlier message of the conversation.
type Turn struct {
	Role string
	Text string
}

// Context is what the reply engine sees for one turn.
type Context struct {
	AgentID         string
	Channel         string
	ConversationKey string
	Intent          string
	CurrentState    contract.State
	BookingID       string
	Message         string
	SenderName      string
	// History holds the earlier customer messages and replies, oldest
	// first. Message is not part of it.
	History []Turn
}

// Generator produces a draft for one turn.
type Generator interface {
	Generate(ctx context.Context, c Context) (contract.Proposed, error)
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, c Context) (contract.Proposed, error)

func (f Func) Generate(ctx context.Context, c Context) (contract.Proposed, error) {
	return f(ctx, c)
}

// Config selects and configures a provider.
type Config struct {
	Provider        string
	Model           string
	OpenAIAPIKey    string
	AnthropicAPIKey string
}

// New builds the configured provider.
func New(cfg Config) (Generator, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai", "":
		if cfg.OpenAIAPIKey == "" {
			return nil, errors.New("OPENAI_API_KEY is required for the openai provider")
		}
		return NewOpenAI(func(o *OpenAIOptions) {
			o.APIKey = cfg.OpenAIAPIKey
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
		}), nil
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is required for the anthropic provider")
		}
		return NewAnthropic(func(o *AnthropicOptions) {
			o.APIKey = cfg.AnthropicAPIKey
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
		}), nil
	default:
		return nil, fmt.Errorf("unknown generator provider %q", cfg.Provider)
	}
}

// Fallback is the outcome substituted when the reply engine fails: the
// conversation is handed to a manager with the given text.
func Fallback(handoff string) contract.Proposed {
	return contract.Proposed{
		Text:     handoff,
		State:    contract.StatePendingManager,
		Actions:  []string{ActionEscalate},
		Fallback: true,
	}
}
