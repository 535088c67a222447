package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registry holds the tool catalog. Schemas are compiled once at
// registration; lookups and validation are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	def    Definition
	schema *jsonschema.Schema

	// declared top-level properties, for advisory unknown-field warnings
	// when the schema permits additional properties.
	properties      map[string]struct{}
	openAdditionals bool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a tool to the catalog, compiling its input schema.
// Registering a name twice replaces the earlier definition.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool: register: empty name")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool: register %s: nil handler", def.Name)
	}
	if def.EstimatedCost == 0 {
		def.EstimatedCost = 1
	}

	e := &entry{def: def}
	if len(def.InputSchema) > 0 {
		schema, props, open, err := compileSchema(def.Name, def.InputSchema)
		if err != nil {
			return fmt.Errorf("tool: register %s: %w", def.Name, err)
		}
		e.schema = schema
		e.properties = props
		e.openAdditionals = open
	}

	r.mu.Lock()
	r.entries[def.Name] = e
	r.mu.Unlock()
	return nil
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Definition{}, false
	}
	return e.def, true
}

// List returns all definitions sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Validate checks input against the tool's compiled schema. Schema
// violations come back as the error; advisory findings (fields outside the
// declared properties that the schema still permits) come back as warnings.
func (r *Registry) Validate(name string, input map[string]any) ([]string, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool: validate: unknown tool %q", name)
	}
	if e.schema == nil {
		return nil, nil
	}

	// jsonschema validates the generic JSON form; normalize through a
	// round-trip so typed values (int vs float64) compare correctly.
	normalized, err := normalize(input)
	if err != nil {
		return nil, fmt.Errorf("tool: validate %s: %w", name, err)
	}
	if err := e.schema.Validate(normalized); err != nil {
		return nil, err
	}

	var warnings []string
	if e.openAdditionals && len(e.properties) > 0 {
		for field := range input {
			if _, declared := e.properties[field]; !declared {
				warnings = append(warnings, fmt.Sprintf("unknown field %q", field))
			}
		}
		sort.Strings(warnings)
	}
	return warnings, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, map[string]struct{}, bool, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, false, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, nil, false, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, nil, false, fmt.Errorf("compile schema: %w", err)
	}

	props := make(map[string]struct{})
	open := true
	if m, ok := doc.(map[string]any); ok {
		if p, ok := m["properties"].(map[string]any); ok {
			for field := range p {
				props[field] = struct{}{}
			}
		}
		if ap, ok := m["additionalProperties"].(bool); ok && !ap {
			open = false
		}
	}
	return schema, props, open, nil
}

// normalize round-trips v through JSON so numbers take their generic form.
func normalize(v map[string]any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}
