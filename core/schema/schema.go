// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package schema validates reading payloads against JSON schemas.
//
// Schemas are selected by the subtopic of a reading, so the schema for readings
// published to devices/{device_id}/temperature lives in temperature.json.
package schema

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Validator is a utility to validate JSON payloads against per-subtopic schemas
type Validator struct {
	schemaValidators map[string]*gojsonschema.Schema
}

// NewValidatorFromFS creates a new Validator using all json files at the root of schemaFS.
// The file name without extension is the subtopic the schema applies to.
func NewValidatorFromFS(schemaFS fs.FS) (*Validator, error) {
	files, err := fs.ReadDir(schemaFS, ".")
	if err != nil {
		return nil, fmt.Errorf("cannot read dir %w", err)
	}
	schemas := map[string]string{}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		str, err := fs.ReadFile(schemaFS, f.Name())
		if err != nil {
			return nil, fmt.Errorf("cannot read file '%s' %w", f.Name(), err)
		}
		schemas[strings.TrimSuffix(f.Name(), ".json")] = string(str)
	}
	return NewValidator(schemas)
}

// NewValidator creates a new Validator from a map of subtopic to JSON schema
func NewValidator(schemas map[string]string) (*Validator, error) {
	validator := Validator{schemaValidators: make(map[string]*gojsonschema.Schema)}
	for subtopic, str := range schemas {
		schema, err := gojsonschema.NewSchemaLoader().Compile(gojsonschema.NewStringLoader(str))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema for %s: %w", subtopic, err)
		}
		validator.schemaValidators[subtopic] = schema
	}
	return &validator, nil
}

// HasSchema returns true if there is a schema for subtopic
func (v *Validator) HasSchema(subtopic string) bool {
	if v == nil {
		return false
	}
	_, ok := v.schemaValidators[subtopic]
	return ok
}

// Validate validates payload against the schema for subtopic. Payloads of subtopics
// without a schema are always valid.
func (v *Validator) Validate(subtopic string, payload []byte) error {
	if v == nil {
		return nil
	}
	schema, ok := v.schemaValidators[subtopic]
	if !ok {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("cannot validate with schema %s: %w", subtopic, err)
	}

	if !result.Valid() {
		err := "the document is not valid:"
		for _, e := range result.Errors() {
			err += fmt.Sprintf("\n- %s", e)
		}
		return errors.New(err)
	}
	return nil
}
