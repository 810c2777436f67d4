package blueprint

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// JSONSchema reflects the Blueprint struct into a JSON Schema document,
// exposed by the `schema` subcommand so editors and CI
// can lint configuration files against the same shape this loader
// enforces. Grounded on the teacher's go:generate-driven JSON Schema
// export in spec.go (Azure/dalec uses invopop/jsonschema the same way,
// reflecting its root Spec type for editor tooling).
func JSONSchema() ([]byte, error) {
	schema := jsonschema.Reflect(&Blueprint{})
	return json.MarshalIndent(schema, "", "  ")
}
