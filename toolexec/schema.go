package toolexec

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// schemaFor derives a JSON schema from an argument struct so tool
// definitions stay in lockstep with the Go types that decode them.
func schemaFor(v any) map[string]any {
	reflector := jsonschema.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(v)
	schema.Version = ""

	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal tool schema: %v", err))
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("failed to decode tool schema: %v", err))
	}
	delete(out, "$schema")
	return out
}
