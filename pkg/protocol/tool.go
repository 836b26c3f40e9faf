package protocol

// ToolDefinition describes a tool offered to the model. InputSchema is a
// JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// NewToolDefinition builds a ToolDefinition, substituting an empty object
// schema when none is given.
func NewToolDefinition(name, description string, schema map[string]any) ToolDefinition {
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return ToolDefinition{Name: name, Description: description, InputSchema: schema}
}
