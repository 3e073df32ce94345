// Package schemas validates the shape of plugin manifests, sequence
// documents and configuration templates against built-in CUE definitions.
package schemas

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// Names of the built-in schemas.
const (
	Manifest = "manifest"
	Sequence = "sequence"
	Template = "template"
)

// Registry manages compiled CUE schemas.
type Registry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide registry holding the built-in schemas.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new registry with the built-in schemas.
func NewRegistry() *Registry {
	r := &Registry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	for name, src := range map[string]string{
		Manifest: builtinManifestSchema,
		Sequence: builtinSequenceSchema,
		Template: builtinTemplateSchema,
	} {
		if err := r.Register(name, src); err != nil {
			panic(err)
		}
	}
	return r
}

// Register compiles src and registers its #Schema definition under name.
func (r *Registry) Register(name, src string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	val := r.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath("#Schema"))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define #Schema", name)
	}
	r.schemas[name] = def
	return nil
}

// Validate checks data against the named schema.
func (r *Registry) Validate(name string, data any) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	dataVal := r.ctx.Encode(Normalize(data))
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %s", summarize(err))
	}
	return nil
}

// Names returns registered schema names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func summarize(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

const builtinManifestSchema = `
#FieldType: "text" | "ip" | "password" | "directory" | "checkbox" | "select" | "checkbox_group"

#Callback: {
	script:     string & != ""
	function?:  string
	global?:    bool
	path?:      string
	args?: [...{...}]
	label_key?: string
	value_key?: string
	...
}

#Field: {
	id?:              string
	type?:            #FieldType
	label?:           string
	variable?:        string
	required?:        bool
	not_empty?:       bool
	min_length?:      int & >=0
	max_length?:      int & >=0
	options?:         [...]
	dynamic_options?: #Callback
	dynamic_default?: #Callback
	depends_on?:      string
	values?:          {...}
	enabled_if?: {
		field: string
		value: _
	}
	...
}

#Schema: {
	name:              string & != ""
	description?:      string
	icon?:             string
	multiple?:         bool
	remote_execution?: bool | string | int
	ssh_root?:         bool | string | int
	files_content?: {[string]: string}
	config_fields: {[string]: #Field} | [...(#Field & {id: string})]
	...
}
`

const builtinSequenceSchema = `
#Entry: string | {
	name: string & != ""
	config?:    {...}
	variables?: {...}
	...
}

#Schema: {
	name:         string & != ""
	description?: string
	shortcut?:    string | [...string]
	plugins!:     [...#Entry]
	...
}
`

const builtinTemplateSchema = `
#Schema: {
	name:        string
	description: string
	variables:   {...}
	...
}
`
