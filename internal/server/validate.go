package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaCache compiles assistant input schemas on demand and caches them
// by the raw schema text. Each Handlers instance owns one; safe for
// concurrent use.
type schemaCache struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{cache: make(map[string]*jsonschema.Schema)}
}

// compileSchema checks that raw is a valid JSON Schema document. Used at
// assistant create and update time so bad schemas are rejected up front.
func (h *Handlers) compileSchema(raw json.RawMessage) error {
	_, err := h.schemas.getOrCompile(raw)
	return err
}

// validateInput checks input against the assistant's input schema. A
// missing schema means no validation; a missing input validates as an
// empty object.
func (h *Handlers) validateInput(schemaRaw, input json.RawMessage) error {
	if len(schemaRaw) == 0 {
		return nil
	}
	compiled, err := h.schemas.getOrCompile(schemaRaw)
	if err != nil {
		return fmt.Errorf("invalid input schema: %w", err)
	}

	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	// The library requires json.Number for numerics, so decode through
	// its own reader instead of encoding/json defaults.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(input)))
	if err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	return compiled.Validate(doc)
}

func (c *schemaCache) getOrCompile(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)

	c.mu.RLock()
	if cached, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Unique URL per schema to avoid resource collisions; a fresh
	// compiler keeps one bad schema from poisoning the rest.
	url := fmt.Sprintf("graphrun://input-schema/%d", len(c.cache))
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	c.cache[key] = compiled
	return compiled, nil
}
