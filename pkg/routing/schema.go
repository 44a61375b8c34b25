package routing

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed policy.schema.json
var policySchemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(policySchemaJSON))
	})
	return schema, schemaErr
}

// Validate checks the set fields against the policy JSON Schema.
func (p *RoutingPolicy) Validate() error {
	return ValidateObject(p.Object())
}

// ValidateObject checks a routing object (as it would appear in a request
// body) against the policy JSON Schema.
func ValidateObject(obj map[string]any) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile routing policy schema: %w", err)
	}
	res, err := s.Validate(gojsonschema.NewGoLoader(obj))
	if err != nil {
		return fmt.Errorf("validate routing policy: %w", err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.New("invalid routing policy: " + strings.Join(msgs, "; "))
}
