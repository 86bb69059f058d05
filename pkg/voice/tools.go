package voice

import (
	"context"
	"fmt"

	"github.com/cadenza-ai/cadenza/pkg/llm"
)

// RunContext is passed to every tool execution: the session, the speech
// that triggered the batch, and the invocation identity.
type RunContext struct {
	// Session is the owning session; tools may read UserData or schedule
	// speech.
	Session *AgentSession

	// Speech is the speech handle whose LLM call requested this tool.
	Speech *SpeechHandle

	// CallID identifies this invocation.
	CallID string
}

// Handoff is returned by a tool to transfer the session to another agent.
type Handoff struct {
	// Agent is the next agent.
	Agent *Agent

	// Returns is the tool output recorded for the calling model before the
	// swap; empty records a default acknowledgement.
	Returns string
}

// ToolExecutor runs one tool invocation. rawArguments is the model's JSON
// argument object. The returned value is stringified into the
// function-call output; returning a *Handoff (or Handoff) triggers an
// agent swap after playout. ctx is cancelled on interruption and session
// close — long tools must honor it.
type ToolExecutor func(ctx context.Context, rc RunContext, rawArguments string) (any, error)

// FunctionTool pairs a tool definition with its executor.
type FunctionTool struct {
	Definition llm.ToolDefinition
	Execute    ToolExecutor
}

// ToolContext maps unique tool names to function tools.
type ToolContext map[string]FunctionTool

// NewToolContext builds a ToolContext, rejecting duplicate names.
func NewToolContext(tools ...FunctionTool) (ToolContext, error) {
	tc := make(ToolContext, len(tools))
	for _, t := range tools {
		if t.Definition.Name == "" {
			return nil, fmt.Errorf("voice: tool with empty name")
		}
		if _, dup := tc[t.Definition.Name]; dup {
			return nil, fmt.Errorf("voice: duplicate tool %q", t.Definition.Name)
		}
		tc[t.Definition.Name] = t
	}
	return tc, nil
}

// Definitions returns the tool definitions offered to the model.
func (tc ToolContext) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(tc))
	for _, t := range tc {
		defs = append(defs, t.Definition)
	}
	return defs
}
