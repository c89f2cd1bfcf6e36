package intake

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// defaultResultSchema is the shape every task result must satisfy regardless
// of phase/task_type: a schema_version, a non-empty output_kind, and (when
// artifacts are supplied) objects carrying a kind and a ref. Grounded on
// zkoranges-go-claw's internal/engine/structured.go StructuredValidator,
// which compiles and validates against exactly this kind of declared JSON
// Schema rather than hand-checking fields.
const defaultResultSchema = `{
  "type": "object",
  "required": ["schema_version", "output_kind"],
  "properties": {
    "schema_version": {"type": "integer", "minimum": 1},
    "output_kind": {"type": "string", "minLength": 1},
    "summary": {"type": "string"},
    "artifacts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["kind", "ref"],
        "properties": {
          "kind": {"type": "string", "minLength": 1},
          "ref": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

// SchemaRegistry holds compiled JSON Schemas keyed by (phase_id, task_type),
// falling back to defaultResultSchema when no task-type-specific schema was
// registered. Compilation happens once at registration time so the hot
// validation path never touches the compiler.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
	fallback *jsonschema.Schema
}

// NewSchemaRegistry compiles the default schema and returns an empty
// registry ready for task-type-specific registrations.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	fallback, err := compile("default", []byte(defaultResultSchema))
	if err != nil {
		return nil, fmt.Errorf("compile default result schema: %w", err)
	}
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema), fallback: fallback}, nil
}

// Register compiles schemaJSON and binds it to (phaseID, taskType), so a
// later Lookup for that pair returns this schema instead of the default.
func (r *SchemaRegistry) Register(phaseID, taskType string, schemaJSON []byte) error {
	key := schemaKey(phaseID, taskType)
	schema, err := compile(key, schemaJSON)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", key, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[key] = schema
	return nil
}

// Lookup returns the schema registered for (phaseID, taskType), or the
// default schema if none was registered.
func (r *SchemaRegistry) Lookup(phaseID, taskType string) *jsonschema.Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.schemas[schemaKey(phaseID, taskType)]; ok {
		return s
	}
	return r.fallback
}

func schemaKey(phaseID, taskType string) string {
	return phaseID + ":" + taskType
}

// compileCounter disambiguates resource names across repeated compiler
// instances within a single process.
var compileCounter int

func compile(name string, schemaJSON []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema json: %w", err)
	}
	compileCounter++
	resourceName := fmt.Sprintf("%s-%d.json", name, compileCounter)

	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", resourceName, err)
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", resourceName, err)
	}
	return schema, nil
}

// parseForValidation re-decodes a result's JSON using jsonschema.UnmarshalJSON
// so numbers arrive as json.Number, matching what Schema.Validate expects.
func parseForValidation(resultJSON []byte) (any, error) {
	return jsonschema.UnmarshalJSON(strings.NewReader(string(resultJSON)))
}
