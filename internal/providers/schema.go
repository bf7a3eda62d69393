package providers

// Keys some providers reject in JSON Schema tool parameters.
var unsupportedSchemaKeys = map[string][]string{
	"anthropic": {"$schema", "additionalProperties"},
	"openai":    {"$schema"},
}

// CleanSchemaForProvider strips schema keywords a provider's tool-schema
// validator rejects, recursively. The input map is not mutated.
func CleanSchemaForProvider(provider string, schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	drop := unsupportedSchemaKeys[provider]
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		skip := false
		for _, d := range drop {
			if k == d {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		out[k] = cleanSchemaValue(provider, v)
	}
	return out
}

func cleanSchemaValue(provider string, v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CleanSchemaForProvider(provider, t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cleanSchemaValue(provider, e)
		}
		return out
	default:
		return v
	}
}

// CleanToolSchemas converts tool definitions to the OpenAI wire shape with
// cleaned parameter schemas.
func CleanToolSchemas(provider string, tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  CleanSchemaForProvider(provider, t.Function.Parameters),
			},
		})
	}
	return out
}
