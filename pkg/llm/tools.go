package llm

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does; included in model prompts.
	Description string

	// Parameters is the JSON Schema for the tool's argument object.
	Parameters map[string]any
}

// NewToolDefinition derives a ToolDefinition whose parameter schema is
// generated from the struct type T via its json tags and jsonschema tags.
func NewToolDefinition[T any](name, description string) (ToolDefinition, error) {
	reflector := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	var model T
	schema := reflector.Reflect(&model)

	raw, err := json.Marshal(schema)
	if err != nil {
		return ToolDefinition{}, fmt.Errorf("llm: marshal schema for tool %q: %w", name, err)
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return ToolDefinition{}, fmt.Errorf("llm: decode schema for tool %q: %w", name, err)
	}
	// The reflector adds a $schema header that providers reject.
	delete(params, "$schema")

	return ToolDefinition{
		Name:        name,
		Description: description,
		Parameters:  params,
	}, nil
}
