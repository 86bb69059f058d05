// Package anyllm provides a universal LLM provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface
// covering OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and
// local llama.cpp servers. It is the usual second leg of an LLM fallback
// chain: a different vendor behind the same interface.
package anyllm

import (
	"context"
	"fmt"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/cadenza-ai/cadenza/pkg/cadenzaerr"
	"github.com/cadenza-ai/cadenza/pkg/llm"
	"github.com/cadenza-ai/cadenza/pkg/metrics"
)

// Provider implements llm.Provider by wrapping any-llm-go.
type Provider struct {
	backend      anyllmlib.Provider
	providerName string
	model        string
}

var _ llm.Provider = (*Provider)(nil)

// New creates a Provider backed by the given backend name: one of "openai",
// "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq",
// "llamacpp". Without an API key option the backend falls back
// to its conventional environment variable.
func New(providerName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Provider{backend: backend, providerName: providerName, model: model}, nil
}

// NewAnthropic creates a Provider backed by Anthropic.
func NewAnthropic(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("anthropic", model, opts...)
}

// NewOllama creates a Provider backed by a local Ollama server.
func NewOllama(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("ollama", model, opts...)
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q", providerName)
	}
}

// Label implements llm.Provider.
func (p *Provider) Label() string {
	return "anyllm." + p.providerName + "." + p.model
}

// Chat implements llm.Provider.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (<-chan llm.ChatChunk, error) {
	params := p.buildParams(req)

	cancel := context.CancelFunc(func() {})
	if req.ConnOptions.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.ConnOptions.Timeout)
	}

	backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)

	ch := make(chan llm.ChatChunk, 32)
	go func() {
		defer close(ch)
		defer cancel()

		start := time.Now()
		var firstTok time.Time
		toolCallAccum := map[int]*llm.ToolCallDelta{}

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			out := llm.ChatChunk{ID: chunk.ID}
			if delta.Content != "" {
				if firstTok.IsZero() {
					firstTok = time.Now()
				}
				out.Delta.Content = delta.Content
			}

			for i, tc := range delta.ToolCalls {
				acc, ok := toolCallAccum[i]
				if !ok {
					acc = &llm.ToolCallDelta{CallID: tc.ID, Name: tc.Function.Name}
					toolCallAccum[i] = acc
				}
				if tc.ID != "" {
					acc.CallID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Name = tc.Function.Name
				}
				acc.Arguments += tc.Function.Arguments
			}

			if choice.FinishReason != "" && len(toolCallAccum) > 0 {
				for i := 0; i < len(toolCallAccum); i++ {
					if acc, ok := toolCallAccum[i]; ok {
						out.Delta.ToolCalls = append(out.Delta.ToolCalls, *acc)
					}
				}
			}

			if chunk.Usage != nil && chunk.Usage.TotalTokens > 0 {
				rec := metrics.LLMMetrics{
					Base:             metrics.Base{Label: p.Label(), RequestID: chunk.ID},
					Duration:         time.Since(start),
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
				if !firstTok.IsZero() {
					rec.TTFT = firstTok.Sub(start)
				}
				out.Usage = &rec
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := <-backendErrs; err != nil {
			select {
			case ch <- llm.ChatChunk{Err: cadenzaerr.NewAPIConnectionError("anyllm", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// buildParams converts a ChatRequest to anyllm CompletionParams, preserving
// item insertion order.
func (p *Provider) buildParams(req llm.ChatRequest) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message
	for _, item := range req.ChatCtx.Items() {
		switch {
		case item.Message != nil:
			messages = append(messages, anyllmlib.Message{
				Role:    mapRole(item.Message.Role),
				Content: item.Message.Text(),
			})
		case item.Call != nil:
			messages = append(messages, anyllmlib.Message{
				Role: "assistant",
				ToolCalls: []anyllmlib.ToolCall{{
					ID:   item.Call.CallID,
					Type: "function",
					Function: anyllmlib.FunctionCall{
						Name:      item.Call.Name,
						Arguments: item.Call.Arguments,
					},
				}},
			})
		case item.CallOutput != nil:
			messages = append(messages, anyllmlib.Message{
				Role:       "tool",
				Content:    item.CallOutput.Output,
				ToolCallID: item.CallOutput.CallID,
			})
		}
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
	if temp, ok := req.Extra["temperature"].(float64); ok {
		params.Temperature = &temp
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}
	return params
}

func mapRole(role llm.ChatRole) string {
	switch role {
	case llm.RoleSystem, llm.RoleDeveloper:
		return anyllmlib.RoleSystem
	case llm.RoleAssistant:
		return "assistant"
	default:
		return "user"
	}
}
