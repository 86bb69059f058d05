package llm

import (
	"testing"
)

func TestChatContextCopyIsDeep(t *testing.T) {
	t.Parallel()

	cc := NewChatContext()
	cc.AddMessage(RoleSystem, "be brief")
	cc.AddMessage(RoleUser, "hello")
	cc.Append(ChatItem{
		ID:   "call-item",
		Call: &FunctionCall{CallID: "c1", Name: "getWeather", Arguments: `{"location":"SF"}`},
	})

	cp := cc.Copy()
	if cp.Len() != cc.Len() {
		t.Fatalf("copy length mismatch: %d vs %d", cp.Len(), cc.Len())
	}

	// Mutating the copy must not leak into the original.
	cp.AddMessage(RoleAssistant, "hi")
	cp.Items()[0].Message.Content[0].Text = "mutated"
	cp.Items()[2].Call.Arguments = `{}`

	if cc.Len() != 3 {
		t.Fatalf("original grew: %d items", cc.Len())
	}
	if got := cc.Items()[0].Message.Text(); got != "be brief" {
		t.Fatalf("original message mutated through copy: %q", got)
	}
	if got := cc.Items()[2].Call.Arguments; got != `{"location":"SF"}` {
		t.Fatalf("original call mutated through copy: %q", got)
	}
}

func TestChatContextInsertionOrderPreserved(t *testing.T) {
	t.Parallel()

	cc := NewChatContext()
	texts := []string{"one", "two", "three", "four"}
	for _, txt := range texts {
		cc.AddMessage(RoleUser, txt)
	}
	cp := cc.Copy()
	for i, item := range cp.Items() {
		if item.Message.Text() != texts[i] {
			t.Fatalf("order violated at %d: %q", i, item.Message.Text())
		}
	}
}

func TestChatContextValidate(t *testing.T) {
	t.Parallel()

	cc := NewChatContext()
	cc.Append(ChatItem{ID: "a", Call: &FunctionCall{CallID: "c1", Name: "f"}})
	cc.Append(ChatItem{ID: "b", CallOutput: &FunctionCallOutput{CallID: "c1", Name: "f", Output: "ok"}})
	if err := cc.Validate(); err != nil {
		t.Fatalf("valid context rejected: %v", err)
	}

	cc.Append(ChatItem{ID: "c", CallOutput: &FunctionCallOutput{CallID: "orphan", Name: "g"}})
	if err := cc.Validate(); err == nil {
		t.Fatal("orphan call output must fail validation")
	}
}

func TestChatContextTruncateKeepsSystem(t *testing.T) {
	t.Parallel()

	cc := NewChatContext()
	cc.AddMessage(RoleSystem, "sys")
	for i := 0; i < 10; i++ {
		cc.AddMessage(RoleUser, "u")
		cc.AddMessage(RoleAssistant, "a")
	}
	cc.Truncate(5)
	if cc.Len() > 6 { // system + at most maxItems best effort
		t.Fatalf("truncate left %d items", cc.Len())
	}
	if cc.Items()[0].Message.Role != RoleSystem {
		t.Fatal("system message must survive truncation")
	}
}

func TestNewToolDefinitionSchema(t *testing.T) {
	t.Parallel()

	type args struct {
		Location string `json:"location" jsonschema:"description=City name"`
		Unit     string `json:"unit,omitempty"`
	}
	def, err := NewToolDefinition[args]("getWeather", "Current weather for a city")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def.Name != "getWeather" {
		t.Fatalf("want getWeather, got %q", def.Name)
	}
	if def.Parameters["type"] != "object" {
		t.Fatalf("want object schema, got %v", def.Parameters["type"])
	}
	if _, ok := def.Parameters["$schema"]; ok {
		t.Fatal("$schema header must be stripped")
	}
	props, ok := def.Parameters["properties"].(map[string]any)
	if !ok || props["location"] == nil {
		t.Fatalf("schema missing location property: %v", def.Parameters)
	}
}
