package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/pcutils/pcutils/pkg/seqconfig"
)

// Engine compiles and evaluates preflight policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	loader   *Loader
}

type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an engine loaded with the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(e.logger)

	builtins := BuiltinPolicies()
	for i := range builtins {
		cp, err := compile(context.Background(), &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return e, nil
}

// EvaluateRecord evaluates every enabled policy against an effective
// instance configuration.
func (e *Engine) EvaluateRecord(ctx context.Context, rec *seqconfig.Record) (*Result, error) {
	return e.Evaluate(ctx, InputFromRecord(rec))
}

// Evaluate evaluates every enabled policy against in. A policy that fails
// to evaluate is reported in Result.Errors and does not block.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*Result, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	res := &Result{Allowed: true, EvaluatedAt: start}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.EvaluatedPolicies = append(res.EvaluatedPolicies, name)

		violations, err := evaluate(ctx, cp, in)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Str("instance", in.Instance).Msg("Policy evaluation failed")
			res.Errors = append(res.Errors, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}
		for _, v := range violations {
			if v.Severity.Blocks() {
				res.Allowed = false
				res.Violations = append(res.Violations, v)
			} else {
				res.Warnings = append(res.Warnings, v)
			}
		}
	}

	res.Duration = time.Since(start)
	e.logger.Debug().
		Str("instance", in.Instance).
		Int("violations", len(res.Violations)).
		Int("warnings", len(res.Warnings)).
		Dur("duration", res.Duration).
		Msg("Preflight evaluation completed")
	return res, nil
}

// sortedNames returns policy names in a stable order. Callers hold mu.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func evaluate(ctx context.Context, cp *compiledPolicy, in Input) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return nil, err
	}

	var out []Violation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		set, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range set {
			out = append(out, newViolation(cp.policy, d, in))
		}
	}
	return out, nil
}

func newViolation(p *Policy, d interface{}, in Input) Violation {
	v := Violation{Policy: p.Name, Instance: in.Instance, Severity: p.Severity}
	switch x := d.(type) {
	case string:
		v.Message = x
	case map[string]interface{}:
		if msg, ok := x["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := x["severity"].(string); ok && sev != "" {
			v.Severity = Severity(sev)
		}
		if f, ok := x["field"].(string); ok {
			v.Field = f
		}
	default:
		v.Message = fmt.Sprintf("%v", d)
	}
	if v.Message == "" {
		v.Message = fmt.Sprintf("%s : refusé par la politique %s", in.Instance, p.Name)
	}
	return v
}

// compile parses the module and prepares its deny query.
func compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	query := module.Package.Path.String() + ".deny"

	prepared, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}
	return &compiledPolicy{policy: p, query: prepared, compiled: time.Now()}, nil
}

// LoadPolicies loads additional policies from files or directories.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplaceExternal(policies)
}

// ReplaceExternal swaps every non built-in policy for policies. Nothing
// changes if any of them fails to compile.
func (e *Engine) ReplaceExternal(policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		p.Builtin = false
		cp, err := compile(context.Background(), &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			e.logger.Warn().Str("policy", name).Msg("Policy file shadows a built-in policy; ignored")
			continue
		}
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded")
	return nil
}

// WatchDir loads the policies of dir and reloads them whenever a file
// in it changes, until ctx is done.
func (e *Engine) WatchDir(ctx context.Context, dir string) error {
	if err := e.LoadPolicies(ctx, []string{dir}); err != nil {
		return err
	}
	return e.loader.Watch(ctx, []string{dir}, e.ReplaceExternal)
}

// Close stops watching policy files.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
