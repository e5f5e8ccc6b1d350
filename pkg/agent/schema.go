package agent

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaCache compiles output schemas once and reuses the compiled form
// across turns and runs. Keys are the canonical JSON encoding of the
// schema document, so semantically identical schemas share an entry.
type SchemaCache struct {
	mu      sync.RWMutex
	entries map[string]*jsonschema.Schema
}

func NewSchemaCache() *SchemaCache {
	return &SchemaCache{entries: map[string]*jsonschema.Schema{}}
}

// Compile returns the compiled schema for doc, compiling and caching it on
// first use.
func (c *SchemaCache) Compile(doc map[string]any) (*jsonschema.Schema, error) {
	key, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}

	c.mu.RLock()
	compiled, ok := c.entries[string(key)]
	c.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("output.json", map[string]any(doc)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err = compiler.Compile("output.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	c.mu.Lock()
	c.entries[string(key)] = compiled
	c.mu.Unlock()
	return compiled, nil
}

// Validate checks value against doc using the cached compiled schema. The
// value is round-tripped through JSON first so Go types are seen the way
// the validator expects them.
func (c *SchemaCache) Validate(doc map[string]any, value any) error {
	compiled, err := c.Compile(doc)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return fmt.Errorf("decode output: %w", err)
	}
	return compiled.Validate(decoded)
}

// Len reports the number of cached compiled schemas.
func (c *SchemaCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
