package envelope

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON schema of the envelope, for integrators
// generating or validating HIAMP traffic outside this module.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(&Message{})
	schema.Title = "HIAMP envelope"
	schema.Description = "Structured message exchanged between worker agents over collaboration platforms."
	return json.MarshalIndent(schema, "", "  ")
}
