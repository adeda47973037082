package admin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

const requestSchemaID = "inmemory://catalogd/admin-request.json"

var requestSchema = []byte(`{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": {
      "type": "string",
      "enum": [
        "admin_lock_acquire", "admin_lock_release", "admin_lock_status",
        "context_get", "context_clear_queue", "context_reset_failures", "context_unsuspend",
        "settings_get", "settings_set"
      ]
    },
    "payload": {
      "type": ["object", "null"],
      "properties": {
        "target": {"type": "string", "enum": ["admin", "run"]},
        "lock_token": {"type": "string"}
      }
    }
  }
}`)

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func adminSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(requestSchemaID, bytes.NewReader(requestSchema)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, compileErr = compiler.Compile(requestSchemaID)
	})
	return compiledSchema, compileErr
}

// ValidateRequest checks a raw POST /admin body against the request schema.
func ValidateRequest(body []byte) error {
	schema, err := adminSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
