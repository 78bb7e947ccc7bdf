// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/soothill/rack-power-monitor/pkg/util"
)

//go:embed schema.json
var schemaJSON []byte

// ValidateWithSchema validates a configuration file against the embedded
// JSON schema. It catches unknown keys and malformed durations that Load
// would silently ignore or reject with a less specific message.
func ValidateWithSchema(configPath string) error {
	// Load the embedded schema
	schemaLoader := gojsonschema.NewBytesLoader(schemaJSON)

	configData, err := util.ReadFileSafely(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	// Convert YAML to JSON for validation
	var configObj interface{}
	err = yaml.Unmarshal(configData, &configObj)
	if err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}

	// Convert to JSON for schema validation
	configJSON, err := json.Marshal(configObj)
	if err != nil {
		return fmt.Errorf("failed to convert config to JSON: %w", err)
	}

	documentLoader := gojsonschema.NewBytesLoader(configJSON)

	// Validate
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		return formatValidationErrors(result.Errors())
	}

	return nil
}

// formatValidationErrors formats JSON schema validation errors into a readable message
func formatValidationErrors(errors []gojsonschema.ResultError) error {
	if len(errors) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("configuration validation errors:\n")
	for i, err := range errors {
		fmt.Fprintf(&b, "  %d. %s: %s\n", i+1, err.Field(), err.Description())
	}

	return fmt.Errorf("%s", b.String())
}

// GetSchemaJSON returns the embedded JSON schema as a string.
// Useful for documentation or external tools.
func GetSchemaJSON() string {
	return string(schemaJSON)
}
