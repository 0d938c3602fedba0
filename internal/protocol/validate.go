package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBaseURL = "https://blockworld.io/schemas/"

// Inbound types accepted from clients, each backed by <type>.schema.json.
var inboundTypes = []string{TypeJoin, TypeMove, TypePlaceBlock, TypeBreakBlock, TypeLeave}

// Validator checks raw client messages against the embedded JSON Schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

var (
	defaultOnce      sync.Once
	defaultValidator *Validator
	defaultErr       error
)

// DefaultValidator compiles the inbound schemas once per process.
func DefaultValidator() (*Validator, error) {
	defaultOnce.Do(func() {
		defaultValidator, defaultErr = CompileSchemas(inboundTypes...)
	})
	return defaultValidator, defaultErr
}

// CompileSchemas compiles the embedded schema for each named message type.
func CompileSchemas(types ...string) (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for _, typ := range types {
		b, err := schemaFS.ReadFile("schemas/" + typ + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", typ, err)
		}
		if err := c.AddResource(schemaBaseURL+typ+".schema.json", bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", typ, err)
		}
	}
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(types))}
	for _, typ := range types {
		s, err := c.Compile(schemaBaseURL + typ + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", typ, err)
		}
		v.schemas[typ] = s
	}
	return v, nil
}

// Validate decodes raw and validates it against the schema registered for typ.
func (v *Validator) Validate(typ string, raw []byte) error {
	s, ok := v.schemas[typ]
	if !ok {
		return fmt.Errorf("unknown message type %q", typ)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return s.Validate(doc)
}

// ValidateValue validates an already encoded value (used for outbound samples).
func (v *Validator) ValidateValue(typ string, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return v.Validate(typ, b)
}
