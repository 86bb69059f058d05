// Package openai provides an LLM provider backed by the OpenAI
// chat-completions API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/cadenza-ai/cadenza/pkg/cadenzaerr"
	"github.com/cadenza-ai/cadenza/pkg/llm"
	"github.com/cadenza-ai/cadenza/pkg/metrics"
)

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) { c.organization = org }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs an OpenAI LLM Provider.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Label implements llm.Provider.
func (p *Provider) Label() string {
	return "openai." + p.model
}

// Chat implements llm.Provider.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (<-chan llm.ChatChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	cancel := context.CancelFunc(func() {})
	if req.ConnOptions.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.ConnOptions.Timeout)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		cancel()
		return nil, wrapErr(err)
	}

	ch := make(chan llm.ChatChunk, 32)
	go func() {
		defer close(ch)
		defer cancel()
		defer stream.Close()

		start := time.Now()
		var firstTok time.Time

		// Tool-call fragments accumulate by index and are emitted whole on
		// the final chunk.
		toolCallAccum := map[int]*llm.ToolCallDelta{}
		var completion int

		for stream.Next() {
			chunk := stream.Current()
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
				completion++
				out.Delta.Content = delta.Content
			}
			if delta.Role != "" {
				out.Delta.Role = llm.ChatRole(delta.Role)
			}

			for _, tc := range delta.ToolCalls {
				idx := int(tc.Index)
				acc, ok := toolCallAccum[idx]
				if !ok {
					acc = &llm.ToolCallDelta{CallID: tc.ID, Name: tc.Function.Name}
					toolCallAccum[idx] = acc
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

			if chunk.Usage.TotalTokens > 0 {
				rec := metrics.LLMMetrics{
					Base:             metrics.Base{Label: p.Label(), RequestID: chunk.ID},
					Duration:         time.Since(start),
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				}
				if !firstTok.IsZero() {
					rec.TTFT = firstTok.Sub(start)
					if gen := time.Since(firstTok).Seconds(); gen > 0 {
						rec.TokensPerSecond = float64(rec.CompletionTokens) / gen
					}
				}
				out.Usage = &rec
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- llm.ChatChunk{Err: wrapErr(err)}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// wrapErr maps SDK failures onto the shared error taxonomy.
func wrapErr(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return cadenzaerr.NewAPIStatusError("openai: "+apiErr.Error(), apiErr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return cadenzaerr.NewAPITimeoutError(0)
	}
	return cadenzaerr.NewAPIConnectionError("openai", err)
}

// buildParams converts a ChatRequest into SDK params, preserving item
// insertion order.
func (p *Provider) buildParams(req llm.ChatRequest) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion

	for _, item := range req.ChatCtx.Items() {
		switch {
		case item.Message != nil:
			msg, err := convertMessage(item.Message)
			if err != nil {
				return oai.ChatCompletionNewParams{}, err
			}
			messages = append(messages, msg)

		case item.Call != nil:
			asst := oai.ChatCompletionAssistantMessageParam{}
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: item.Call.CallID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      item.Call.Name,
					Arguments: item.Call.Arguments,
				},
			})
			messages = append(messages, oai.ChatCompletionMessageParamUnion{OfAssistant: &asst})

		case item.CallOutput != nil:
			messages = append(messages, oai.ToolMessage(item.CallOutput.Output, item.CallOutput.CallID))
		}
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}

	if temp, ok := req.Extra["temperature"].(float64); ok {
		params.Temperature = param.NewOpt(temp)
	}
	if maxTokens, ok := req.Extra["max_tokens"].(int); ok {
		params.MaxCompletionTokens = param.NewOpt(int64(maxTokens))
	}

	return params, nil
}

func convertMessage(m *llm.ChatMessage) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Text()), nil
	case llm.RoleDeveloper:
		return oai.DeveloperMessage(m.Text()), nil
	case llm.RoleUser:
		return oai.UserMessage(m.Text()), nil
	case llm.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		asst.Content.OfString = oai.String(m.Text())
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}
