package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	daemonSchemaOnce sync.Once
	daemonSchemaJSON []byte
	daemonSchemaErr  error

	userSchemaOnce sync.Once
	userSchemaJSON []byte
	userSchemaErr  error
)

// DaemonJSONSchema returns the JSON Schema for DaemonConfig, used by `agentd
// config validate` to lint an operator's bootstrap YAML before it's loaded.
func DaemonJSONSchema() ([]byte, error) {
	daemonSchemaOnce.Do(func() {
		r := &jsonschema.Reflector{FieldNameTag: "yaml"}
		schema := r.Reflect(&DaemonConfig{})
		daemonSchemaJSON, daemonSchemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return daemonSchemaJSON, daemonSchemaErr
}

// UserJSONSchema returns the JSON Schema for UserConfig, published so a
// front-end editing users/{id}/config.json can validate it client-side.
func UserJSONSchema() ([]byte, error) {
	userSchemaOnce.Do(func() {
		r := &jsonschema.Reflector{FieldNameTag: "json"}
		schema := r.Reflect(&UserConfig{})
		userSchemaJSON, userSchemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return userSchemaJSON, userSchemaErr
}
