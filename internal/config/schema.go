package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema renders the configuration file schema as indented JSON. The
// result is computed once and cached.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		reflector := &jsonschema.Reflector{
			FieldNameTag:               "yaml",
			RequiredFromJSONSchemaTags: true,
			DoNotReference:             false,
		}
		schema := reflector.Reflect(&Config{})
		schema.Title = "Relay Configuration"
		schema.Description = "Configuration file schema for the relay gateway."
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}
