// Package policy decides which reconciled records a viewer may see, using an
// OPA Rego module.
package policy

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/itamrec/telemetry"
	"github.com/yairfalse/itamrec/types"
)

// Query is the document every scope module must define
const Query = "data.itamrec.scope"

// Actions a viewer can request
const (
	ActionRecords     = "records"
	ActionSummary     = "summary"
	ActionDepartments = "departments"
	ActionState       = "state"
	ActionSources     = "sources"
	ActionReconcile   = "reconcile"
)

// Roles
const (
	RoleAdmin = "ADMIN"
	RoleDept  = "DEPT"
)

// ErrForbidden is returned when the policy denies a request
var ErrForbidden = errors.New("forbidden by scope policy")

//go:embed rego/scope.rego
var defaultModule string

// DefaultModule returns the built-in scope module source
func DefaultModule() string {
	return defaultModule
}

// Viewer identifies who is looking
type Viewer struct {
	Role       string `json:"role"`
	Department string `json:"department"`
	Region     string `json:"region"`
}

// Decision is the evaluated scope document
type Decision struct {
	Allow  bool
	Filter types.Filter
}

// ScopeEngine evaluates a prepared scope query
type ScopeEngine struct {
	query  rego.PreparedEvalQuery
	logger *telemetry.Logger
	tracer trace.Tracer
}

// NewScopeEngine compiles module, or the built-in module when empty
func NewScopeEngine(ctx context.Context, module string) (*ScopeEngine, error) {
	name := "custom.rego"
	if module == "" {
		module = defaultModule
		name = "scope.rego"
	}

	query, err := rego.New(
		rego.Query(Query),
		rego.Module(name, module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile scope policy %s: %w", name, err)
	}

	return &ScopeEngine{
		query:  query,
		logger: telemetry.NewLogger("scope-engine"),
		tracer: otel.Tracer("scope-engine"),
	}, nil
}

// LoadScopeEngine reads a module from path. An empty path selects the
// built-in module.
func LoadScopeEngine(ctx context.Context, path string) (*ScopeEngine, error) {
	if path == "" {
		return NewScopeEngine(ctx, "")
	}

	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read scope policy %s: %w", path, err)
	}
	return NewScopeEngine(ctx, string(content))
}

// Evaluate runs the scope query for one request
func (se *ScopeEngine) Evaluate(ctx context.Context, action string, viewer Viewer, filter types.Filter) (Decision, error) {
	ctx, span := se.tracer.Start(ctx, "scope_engine.evaluate",
		trace.WithAttributes(
			attribute.String("action", action),
			attribute.String("viewer.role", viewer.Role),
		))
	defer span.End()

	input := map[string]interface{}{
		"action": action,
		"viewer": map[string]interface{}{
			"role":       viewer.Role,
			"department": viewer.Department,
			"region":     viewer.Region,
		},
		"filter": filterToInput(filter),
	}

	results, err := se.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		span.RecordError(err)
		return Decision{}, fmt.Errorf("failed to evaluate scope policy: %w", err)
	}

	decision := Decision{Filter: filter}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision, nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return decision, nil
	}

	if allow, ok := doc["allow"].(bool); ok {
		decision.Allow = allow
	}
	if f, ok := doc["filter"].(map[string]interface{}); ok {
		decision.Filter = filterFromResult(f)
	}

	span.SetAttributes(attribute.Bool("allow", decision.Allow))
	return decision, nil
}

// Authorize returns the effective filter, or ErrForbidden
func (se *ScopeEngine) Authorize(ctx context.Context, action string, viewer Viewer, filter types.Filter) (types.Filter, error) {
	decision, err := se.Evaluate(ctx, action, viewer, filter)
	if err != nil {
		return types.Filter{}, err
	}

	if !decision.Allow {
		se.logger.WithContext(ctx).Debug().
			Str("action", action).
			Str("role", viewer.Role).
			Str("department", viewer.Department).
			Msg("request denied by scope policy")
		return types.Filter{}, fmt.Errorf("%s for role %q: %w", action, viewer.Role, ErrForbidden)
	}

	return decision.Filter, nil
}

func filterToInput(f types.Filter) map[string]interface{} {
	return map[string]interface{}{
		"region":     f.Region,
		"department": f.Department,
		"status":     string(f.Status),
	}
}

func filterFromResult(doc map[string]interface{}) types.Filter {
	str := func(key string) string {
		if v, ok := doc[key].(string); ok {
			return v
		}
		return ""
	}

	return types.Filter{
		Region:     str("region"),
		Department: str("department"),
		Status:     types.Status(str("status")),
	}
}
