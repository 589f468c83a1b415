package registry

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/platform"
)

// serviceSpecSchema is the structural contract for service specs.
// Manifest entries are validated against it before decoding, so typoed
// keys fail loudly instead of silently dropping (additionalProperties
// is false). Keep it in sync with platform.ServiceSpec.
const serviceSpecSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "ServiceSpec",
  "type": "object",
  "required": ["name", "port", "health_path", "graphql_path"],
  "additionalProperties": false,
  "properties": {
    "name": {
      "type": "string",
      "pattern": "^[a-z][a-z0-9-]*$",
      "maxLength": 63
    },
    "description": {
      "type": "string"
    },
    "port": {
      "type": "integer",
      "minimum": 1,
      "maximum": 65535
    },
    "health_path": {
      "type": "string",
      "pattern": "^/"
    },
    "graphql_path": {
      "type": "string",
      "pattern": "^/"
    },
    "env_refs": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    },
    "secrets": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "additionalProperties": false,
        "properties": {
          "name": {
            "type": "string",
            "pattern": "^[a-z0-9][a-z0-9_-]*$"
          }
        }
      }
    },
    "owned_tables": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    },
    "depends_on": {
      "type": "array",
      "items": {"type": "string", "pattern": "^[a-z][a-z0-9-]*$"}
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(serviceSpecSchema)

// validateSpecSchema validates a spec against the service schema.
func validateSpecSchema(spec platform.ServiceSpec) error {
	specBytes, err := json.Marshal(spec)
	if err != nil {
		return errors.WrapFatal(err, "Registry", "validateSpecSchema", "marshal spec")
	}
	return validateSpecDocument(specBytes)
}

// validateSpecDocument validates raw JSON against the service schema.
func validateSpecDocument(doc []byte) error {
	documentLoader := gojsonschema.NewBytesLoader(doc)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return errors.WrapFatal(err, "Registry", "validateSpecDocument", "run schema validation")
	}

	if !result.Valid() {
		errMsg := "spec failed schema validation:\n"
		for _, desc := range result.Errors() {
			errMsg += fmt.Sprintf("  - %s: %s\n", desc.Field(), desc.Description())
		}
		return errors.WrapInvalid(errors.ErrInvalidData, "Registry", "validateSpecDocument", errMsg)
	}

	return nil
}
