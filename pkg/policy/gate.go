package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/openfroyo/harbormaster/pkg/reconcile"
	"github.com/rs/zerolog"
)

// Gate admits or denies redeployments recommended by the control loop. It
// implements reconcile.Admitter.
type Gate struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	loader   *Loader
	now      func() time.Time
}

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

var _ reconcile.Admitter = (*Gate)(nil)

// NewGate creates a gate with the built-in policies.
func NewGate(logger zerolog.Logger) (*Gate, error) {
	g := &Gate{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy").Logger(),
		now:      time.Now,
	}
	g.loader = NewLoader(g.logger)

	compiled, err := compileAll(context.Background(), BuiltinPolicies())
	if err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	g.policies = compiled
	g.logger.Debug().Int("count", len(compiled)).Msg("built-in policies loaded")
	return g, nil
}

// Admit implements reconcile.Admitter. Blocking violations become the
// denial reasons.
func (g *Gate) Admit(ctx context.Context, req reconcile.AdmissionRequest) (reconcile.Admission, error) {
	res, err := g.Evaluate(ctx, InputFrom(req, g.now()))
	if err != nil {
		return reconcile.Admission{}, err
	}

	for _, w := range res.Warnings {
		g.logger.Warn().
			Str("policy", w.Policy).
			Str("context_id", req.Group.ContextID).
			Msg(w.Message)
	}

	adm := reconcile.Admission{Allowed: res.Allowed}
	for _, v := range res.Violations {
		adm.Reasons = append(adm.Reasons, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return adm, nil
}

// Evaluate runs every enabled policy against input. A policy that fails to
// evaluate is reported as a warning and does not block.
func (g *Gate) Evaluate(ctx context.Context, input Input) (*Result, error) {
	start := time.Now()
	doc, err := toDocument(input)
	if err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	res := &Result{Allowed: true, EvaluatedAt: start.UTC()}
	for _, name := range g.namesLocked() {
		cp := g.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		res.EvaluatedPolicies = append(res.EvaluatedPolicies, name)

		violations, err := evaluate(ctx, cp, doc)
		if err != nil {
			g.logger.Error().Err(err).Str("policy", name).Msg("policy evaluation failed")
			res.Warnings = append(res.Warnings, Violation{
				Policy:   name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityWarning,
			})
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

	g.logger.Debug().
		Bool("allowed", res.Allowed).
		Int("violations", len(res.Violations)).
		Dur("duration", res.Duration).
		Msg("redeploy policies evaluated")
	return res, nil
}

// toDocument converts input into the plain JSON value Rego evaluates.
func toDocument(input Input) (interface{}, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return doc, nil
}

func evaluate(ctx context.Context, cp *compiledPolicy, doc interface{}) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, err
	}

	var out []Violation
	for _, result := range rs {
		for _, expr := range result.Expressions {
			set, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, item := range set {
				out = append(out, violationFrom(cp.policy, item))
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Message < out[j].Message })
	return out, nil
}

// violationFrom accepts either a message string or an object with message,
// severity and resource.
func violationFrom(p *Policy, item interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}
	switch d := item.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if res, ok := d["resource"].(string); ok {
			v.Resource = res
		}
	default:
		v.Message = fmt.Sprintf("%v", item)
	}
	return v
}

// compile parses the module and prepares its deny query.
func compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModuleWithOpts(p.Name, p.Rego, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy %s: %w", p.Name, err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy %s: %w", p.Name, err)
	}
	return &compiledPolicy{policy: p, query: query}, nil
}

func compileAll(ctx context.Context, policies []Policy) (map[string]*compiledPolicy, error) {
	out := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		if p.Name == "" {
			return nil, fmt.Errorf("policy without a name")
		}
		if p.Severity == "" {
			p.Severity = SeverityWarning
		}
		cp, err := compile(ctx, &p)
		if err != nil {
			return nil, err
		}
		out[p.Name] = cp
	}
	return out, nil
}

// Load compiles the policies found under paths and adds them to the gate.
// Nothing is replaced when any policy fails to compile.
func (g *Gate) Load(ctx context.Context, paths []string) error {
	policies, err := g.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	return g.apply(ctx, policies)
}

// apply replaces every file-backed policy with policies. Built-ins stay.
func (g *Gate) apply(ctx context.Context, policies []Policy) error {
	compiled, err := compileAll(ctx, policies)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for name, cp := range g.policies {
		if cp.policy.Source != "" {
			delete(g.policies, name)
		}
	}
	for name, cp := range compiled {
		g.policies[name] = cp
	}
	g.logger.Info().Int("count", len(compiled)).Msg("policies loaded")
	return nil
}

// Watch loads paths and reloads them whenever a policy file changes until
// ctx is done. A reload that fails to compile keeps the previous policies.
func (g *Gate) Watch(ctx context.Context, paths []string) error {
	if err := g.Load(ctx, paths); err != nil {
		return err
	}
	return g.loader.Watch(ctx, paths, func(policies []Policy) error {
		return g.apply(ctx, policies)
	})
}

// Close stops watching.
func (g *Gate) Close() error {
	return g.loader.StopWatching()
}

// Get returns a policy by name.
func (g *Gate) Get(name string) (*Policy, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cp, ok := g.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// List returns the loaded policies ordered by name.
func (g *Gate) List() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Policy, 0, len(g.policies))
	for _, name := range g.namesLocked() {
		out = append(out, *g.policies[name].policy)
	}
	return out
}

func (g *Gate) namesLocked() []string {
	names := make([]string, 0, len(g.policies))
	for name := range g.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetEnabled enables or disables a policy by name.
func (g *Gate) SetEnabled(name string, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp, ok := g.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	g.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("policy toggled")
	return nil
}
