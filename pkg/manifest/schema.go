package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// lockfileSchema is the structural contract a submitted manifest must
// meet before extraction even starts. The version floor is checked
// here and again after decoding; the schema gives submitters a
// precise structural error instead of a scan failure deep in the
// parser.
const lockfileSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["lockfileVersion", "packages"],
	"properties": {
		"name": {"type": "string"},
		"version": {"type": "string"},
		"lockfileVersion": {"type": "integer", "minimum": 3},
		"packages": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"version": {"type": "string"},
					"resolved": {"type": "string"},
					"integrity": {"type": "string"},
					"license": {"type": "string"}
				}
			}
		}
	}
}`

var compiledLockfileSchema = jsonschema.MustCompileString("package-lock.schema.json", lockfileSchema)

func validateSchema(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: not valid JSON: %v", ErrManifestRejected, err)
	}
	if err := compiledLockfileSchema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrManifestRejected, err)
	}
	return nil
}
