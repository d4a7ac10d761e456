package catalog

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/openfroyo/deployer/pkg/engine"
)

// SchemaRegistry holds one CUE schema per resource type and checks resource
// configurations against them.
type SchemaRegistry struct {
	// cue.Context is not safe for concurrent use.
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[engine.ResourceType]cue.Value
}

// NewSchemaRegistry creates a registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[engine.ResourceType]cue.Value),
	}

	builtin := sr.ctx.CompileString(builtinSchemas, cue.Filename("builtin.cue"))
	if err := builtin.Err(); err != nil {
		panic(fmt.Sprintf("catalog: built-in schemas do not compile: %v", err))
	}
	for t, def := range builtinDefinitions {
		sr.schemas[t] = builtin.LookupPath(cue.ParsePath(def))
	}

	return sr
}

// RegisterSchema compiles schema and uses it for resources of type t,
// replacing any existing schema for that type.
func (sr *SchemaRegistry) RegisterSchema(t engine.ResourceType, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(string(t)+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", t, err)
	}

	sr.schemas[t] = val
	return nil
}

// ListSchemas returns the resource types with a registered schema.
func (sr *SchemaRegistry) ListSchemas() []engine.ResourceType {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	types := make([]engine.ResourceType, 0, len(sr.schemas))
	for t := range sr.schemas {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ValidateResource checks the configuration of r against the schema for its type.
func (sr *SchemaRegistry) ValidateResource(r engine.Resource) error {
	return sr.Validate(r.Type, r.Config)
}

// Validate checks config against the schema registered for t.
func (sr *SchemaRegistry) Validate(t engine.ResourceType, config map[string]interface{}) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[t]
	if !ok {
		return fmt.Errorf("no schema registered for resource type %s", t)
	}

	data := sr.ctx.Encode(normalizeNumbers(config))
	if err := data.Err(); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := schema.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema validation failed: %s", cueerrors.Details(err, nil))
	}

	return nil
}

// normalizeNumbers turns integral floats into integers. Configs that went
// through JSON carry every number as float64, which CUE will not unify with int.
func normalizeNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return int64(val)
		}
		return val
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalizeNumbers(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeNumbers(item)
		}
		return out
	default:
		return v
	}
}

var builtinDefinitions = map[engine.ResourceType]string{
	engine.ResourceCompute:  "#Compute",
	engine.ResourceDatabase: "#Database",
	engine.ResourceNetwork:  "#Network",
	engine.ResourceBucket:   "#Bucket",
}

// Definitions are left open so provider-specific keys pass through to the
// rendered configuration.
const builtinSchemas = `
#Tags: {[string]: string}

#Compute: {
	size:          string & !=""
	disk_size_gb?: int & >=0 & <=16384
	image?:        string
	count?:        int & >=0 & <=100
	tags?:         #Tags
	...
}

#Database: {
	engine:                 "postgres" | "mysql" | "mariadb" | "sqlserver"
	engine_version?:        string
	size:                   string & !=""
	storage_gb?:            int & >=0 & <=65536
	multi_az?:              bool
	backup_retention_days?: int & >=0 & <=35
	publicly_accessible?:   bool
	...
}

#Network: {
	cidr:         string & =~"^([0-9]{1,3}\\.){3}[0-9]{1,3}/[0-9]{1,2}$"
	subnets?:     [...(string & =~"^([0-9]{1,3}\\.){3}[0-9]{1,3}/[0-9]{1,2}$")]
	nat_gateway?: bool
	...
}

#Bucket: {
	bucket_name:    string & =~"^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$"
	versioning?:    bool
	public_access?: bool
	storage_class?: "standard" | "infrequent" | "archive"
	...
}
`
