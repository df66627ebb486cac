package mcpserver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentgate/backend/internal/store"
)

func TestSubstitute_WholePlaceholderKeepsType(t *testing.T) {
	vars := map[string]any{"amount": float64(100), "symbol": "eth"}

	assert.Equal(t, float64(100), substitute("{{amount}}", vars))
	assert.Equal(t, "eth", substitute("{{ symbol }}", vars))
	assert.Nil(t, substitute("{{missing}}", vars))
}

func TestSubstitute_EmbeddedPlaceholdersRenderAsStrings(t *testing.T) {
	vars := map[string]any{"base": "eth", "quote": "usd"}

	assert.Equal(t, "eth-usd", substitute("{{base}}-{{quote}}", vars))
	assert.Equal(t, "pair: eth/", substitute("pair: {{base}}/{{missing}}", vars))
}

func TestSubstitute_WalksNestedStructures(t *testing.T) {
	vars := map[string]any{"id": float64(7)}

	out := substitute(map[string]any{
		"query": map[string]any{"id": "{{id}}"},
		"tags":  []any{"static", "{{id}}"},
		"n":     float64(3),
	}, vars).(map[string]any)

	assert.Equal(t, float64(7), out["query"].(map[string]any)["id"])
	assert.Equal(t, []any{"static", float64(7)}, out["tags"])
	assert.Equal(t, float64(3), out["n"])
}

func TestSubstituteToString(t *testing.T) {
	vars := map[string]any{"n": float64(42)}

	assert.Equal(t, "42", substituteToString("{{n}}", vars))
	assert.Equal(t, "", substituteToString("{{missing}}", vars))
	assert.Equal(t, "v=42", substituteToString("v={{n}}", vars))
}

func TestSchemaFromVariables(t *testing.T) {
	schema := schemaFromVariables([]store.VariableDefinition{
		{Name: "symbol", Type: "string", Description: "ticker", Required: true},
		{Name: "amount", Type: "number", Default: float64(1)},
		{Name: "recipient", Type: "address"},
	})

	assert.Equal(t, "object", schema.Type)
	assert.Equal(t, []string{"symbol"}, schema.Required)
	assert.Equal(t, "string", schema.Properties["symbol"].Type)
	assert.Equal(t, "ticker", schema.Properties["symbol"].Description)
	assert.Equal(t, "number", schema.Properties["amount"].Type)
	assert.NotNil(t, schema.Properties["amount"].Default)
	assert.Equal(t, "string", schema.Properties["recipient"].Type, "address maps to string")
}

func TestApplyDefaultsAndMissingRequired(t *testing.T) {
	defs := []store.VariableDefinition{
		{Name: "symbol", Type: "string", Required: true},
		{Name: "quote", Type: "string", Default: "usd"},
	}

	vars := applyDefaults(defs, map[string]any{"symbol": "eth"})
	assert.Equal(t, "usd", vars["quote"])
	assert.Empty(t, missingRequired(defs, vars))

	vars = applyDefaults(defs, map[string]any{})
	assert.Equal(t, []string{"symbol"}, missingRequired(defs, vars))
}
