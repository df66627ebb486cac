package mcpserver

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/agentgate/backend/internal/store"
)

// schemaFromVariables converts the data-driven variable definitions of a
// proxy or workflow into the JSON schema its MCP tool advertises.
func schemaFromVariables(defs []store.VariableDefinition) *jsonschema.Schema {
	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: map[string]*jsonschema.Schema{},
	}
	for _, def := range defs {
		prop := &jsonschema.Schema{
			Type:        schemaType(def.Type),
			Description: def.Description,
		}
		if def.Default != nil {
			if raw, err := json.Marshal(def.Default); err == nil {
				prop.Default = raw
			}
		}
		schema.Properties[def.Name] = prop
		if def.Required {
			schema.Required = append(schema.Required, def.Name)
		}
	}
	return schema
}

func schemaType(t string) string {
	switch t {
	case "string", "number", "integer", "boolean", "object", "array":
		return t
	case "address", "hex":
		return "string"
	default:
		return "string"
	}
}

// applyDefaults fills absent arguments from the variable defaults.
func applyDefaults(defs []store.VariableDefinition, args map[string]any) map[string]any {
	vars := make(map[string]any, len(args))
	for k, v := range args {
		vars[k] = v
	}
	for _, def := range defs {
		if _, ok := vars[def.Name]; !ok && def.Default != nil {
			vars[def.Name] = def.Default
		}
	}
	return vars
}

// missingRequired lists required variables with no value.
func missingRequired(defs []store.VariableDefinition, vars map[string]any) []string {
	var missing []string
	for _, def := range defs {
		if !def.Required {
			continue
		}
		if v, ok := vars[def.Name]; !ok || v == nil {
			missing = append(missing, def.Name)
		}
	}
	return missing
}
