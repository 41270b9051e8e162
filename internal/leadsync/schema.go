package leadsync

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaSet validates inbound webhook payloads against per-source JSON
// Schemas. Sources without a configured schema accept any JSON object.
type SchemaSet struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaSet compiles the payload schemas found in sources. A source with
// an invalid schema is an error: ingesting unvalidated payloads because a
// schema failed to compile would fail open.
func NewSchemaSet(sources []SourceConfig) (*SchemaSet, error) {
	set := &SchemaSet{schemas: map[string]*jsonschema.Schema{}}
	if err := set.Update(sources); err != nil {
		return nil, err
	}
	return set, nil
}

// Update recompiles schemas from a reloaded source configuration.
func (s *SchemaSet) Update(sources []SourceConfig) error {
	next := make(map[string]*jsonschema.Schema, len(sources))
	for _, source := range sources {
		name := strings.ToLower(strings.TrimSpace(source.Name))
		if name == "" || strings.TrimSpace(source.PayloadSchema) == "" {
			continue
		}
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source.PayloadSchema))
		if err != nil {
			return fmt.Errorf("source %s: parse payload schema: %w", name, err)
		}
		compiler := jsonschema.NewCompiler()
		resource := name + "-payload.json"
		if err := compiler.AddResource(resource, doc); err != nil {
			return fmt.Errorf("source %s: add payload schema: %w", name, err)
		}
		schema, err := compiler.Compile(resource)
		if err != nil {
			return fmt.Errorf("source %s: compile payload schema: %w", name, err)
		}
		next[name] = schema
	}
	s.mu.Lock()
	s.schemas = next
	s.mu.Unlock()
	return nil
}

// Validate checks payload against the source's schema, if any. Violations
// are reported as ErrInvalidInput so callers reject the request rather than
// failing the server.
func (s *SchemaSet) Validate(sourceName string, payload any) error {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	schema, ok := s.schemas[strings.ToLower(strings.TrimSpace(sourceName))]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
