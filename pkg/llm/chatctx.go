package llm

import (
	"fmt"
	"strings"

	"github.com/cadenza-ai/cadenza/pkg/aio"
)

// ChatRole is the author of a chat message.
type ChatRole string

const (
	RoleSystem    ChatRole = "system"
	RoleDeveloper ChatRole = "developer"
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ContentPart is one element of a message's content: text or an image
// reference. Providers that do not support images may reject or skip image
// parts.
type ContentPart struct {
	// Text is the textual content; empty when ImageURL is set.
	Text string

	// ImageURL references an image part.
	ImageURL string
}

// ChatItem is the tagged variant stored in a ChatContext. Exactly one of the
// three item kinds is non-nil.
type ChatItem struct {
	// ID is a stable identifier assigned at creation.
	ID string

	Message    *ChatMessage
	Call       *FunctionCall
	CallOutput *FunctionCallOutput
}

// ChatMessage is a conversational message.
type ChatMessage struct {
	Role ChatRole

	// Content is an ordered sequence of parts; a plain-text message has a
	// single text part.
	Content []ContentPart

	// Interrupted marks an assistant message whose playout was cut short;
	// its text reflects only what was actually spoken.
	Interrupted bool
}

// Text concatenates the textual parts of the message.
func (m *ChatMessage) Text() string {
	var sb strings.Builder
	for _, p := range m.Content {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// FunctionCall records a tool invocation requested by the model.
type FunctionCall struct {
	// CallID is the provider-assigned (or synthesized) id matching the
	// eventual output.
	CallID string

	// Name is the tool name.
	Name string

	// Arguments is the JSON-encoded argument object.
	Arguments string
}

// FunctionCallOutput records the result of one tool invocation.
type FunctionCallOutput struct {
	// CallID matches the prior FunctionCall.
	CallID string

	// Name is the tool name.
	Name string

	// Output is the stringified tool result.
	Output string

	// IsError marks a failed execution; the output then carries the error
	// text.
	IsError bool
}

// ChatContext is the ordered conversation history handed to a provider.
// Items keep their insertion order across copies and serialization.
//
// ChatContext is not safe for concurrent mutation; the runtime snapshots it
// (Copy) before every model call and mutates only the live instance from the
// activity's scheduling goroutine.
type ChatContext struct {
	items []ChatItem
}

// NewChatContext creates an empty ChatContext.
func NewChatContext() *ChatContext {
	return &ChatContext{}
}

// Items returns the backing slice. Callers must not mutate it.
func (c *ChatContext) Items() []ChatItem {
	return c.items
}

// Len returns the number of items.
func (c *ChatContext) Len() int {
	return len(c.items)
}

// Append adds items in order.
func (c *ChatContext) Append(items ...ChatItem) {
	c.items = append(c.items, items...)
}

// AddMessage appends a plain-text message with a fresh id and returns the
// created item.
func (c *ChatContext) AddMessage(role ChatRole, text string) ChatItem {
	item := ChatItem{
		ID: aio.ShortIDWith("item"),
		Message: &ChatMessage{
			Role:    role,
			Content: []ContentPart{{Text: text}},
		},
	}
	c.items = append(c.items, item)
	return item
}

// Copy returns a deep copy; appending to the copy never mutates the
// original.
func (c *ChatContext) Copy() *ChatContext {
	cp := &ChatContext{items: make([]ChatItem, len(c.items))}
	for i, item := range c.items {
		cp.items[i] = copyItem(item)
	}
	return cp
}

func copyItem(item ChatItem) ChatItem {
	out := ChatItem{ID: item.ID}
	if item.Message != nil {
		msg := *item.Message
		msg.Content = make([]ContentPart, len(item.Message.Content))
		copy(msg.Content, item.Message.Content)
		out.Message = &msg
	}
	if item.Call != nil {
		call := *item.Call
		out.Call = &call
	}
	if item.CallOutput != nil {
		co := *item.CallOutput
		out.CallOutput = &co
	}
	return out
}

// Validate checks the cross-item invariant: every function-call output must
// reference a prior function call.
func (c *ChatContext) Validate() error {
	calls := map[string]bool{}
	for _, item := range c.items {
		switch {
		case item.Call != nil:
			calls[item.Call.CallID] = true
		case item.CallOutput != nil:
			if !calls[item.CallOutput.CallID] {
				return fmt.Errorf("chat context: output for unknown call id %q", item.CallOutput.CallID)
			}
		}
	}
	return nil
}

// Truncate drops the oldest non-system items until at most maxItems remain.
// System and developer messages are always preserved.
func (c *ChatContext) Truncate(maxItems int) {
	if len(c.items) <= maxItems {
		return
	}
	var kept []ChatItem
	over := len(c.items) - maxItems
	for _, item := range c.items {
		if over > 0 && item.Message == nil {
			over--
			continue
		}
		if over > 0 && item.Message != nil &&
			item.Message.Role != RoleSystem && item.Message.Role != RoleDeveloper {
			over--
			continue
		}
		kept = append(kept, item)
	}
	c.items = kept
}
