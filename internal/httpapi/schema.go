package httpapi

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const maxRequestBytes = 1 << 20

const pushSchemaJSON = `{
	"type": "object",
	"required": ["clientID", "mutations"],
	"properties": {
		"clientID": {"type": "string", "minLength": 1},
		"mutations": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "name"],
				"properties": {
					"id": {"type": "integer", "minimum": 1},
					"name": {"type": "string", "minLength": 1},
					"args": {}
				}
			}
		}
	}
}`

const pullSchemaJSON = `{
	"type": "object",
	"required": ["clientID"],
	"properties": {
		"clientID": {"type": "string", "minLength": 1},
		"cookie": {"type": ["string", "null"]}
	}
}`

var (
	pushSchema = mustCompile("push.json", pushSchemaJSON)
	pullSchema = mustCompile("pull.json", pullSchemaJSON)
)

func mustCompile(name, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(err)
	}
	return c.MustCompile(name)
}

// readValidated reads the request body and checks it against schema.
// Returns the raw bytes for a subsequent typed decode.
func readValidated(r *http.Request, schema *jsonschema.Schema) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, validateBytes(body, schema)
}

func validateBytes(body []byte, schema *jsonschema.Schema) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}
