package pack

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// sanitizedWorkflowsSchema is the shape every packaged workflows file must
// satisfy: a list of named definitions with no identifier and activation
// cleared. Rejecting un-sanitized records here keeps source identifiers and
// live activation flags from ever reaching a destination import.
const sanitizedWorkflowsSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["name", "nodes", "connections"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"active": {"type": "boolean", "enum": [false]},
			"nodes": {"type": "array"}
		},
		"not": {"required": ["id"]}
	}
}`

func validateSanitized(workflowsJSON []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(sanitizedWorkflowsSchema)
	dataLoader := gojsonschema.NewBytesLoader(workflowsJSON)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return fmt.Errorf("failed to validate workflows: %w", err)
	}

	if !result.Valid() {
		var details []string
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}

		return fmt.Errorf("%w: %s", ErrNotSanitized, strings.Join(details, "; "))
	}

	return nil
}
