// Package engine defines the value types, stage contracts and failure
// taxonomy of the generation pipeline. It has no behavior of its own: the
// orchestrator composes stages that implement these interfaces.
package engine

import (
	"fmt"
	"maps"
	"slices"
)

// EngineRequest is one incoming generation request. It is immutable after
// construction: accessors return copies of the open maps.
type EngineRequest struct {
	userQuery string
	context   map[string]any
	options   map[string]any
}

// NewRequest builds a request. userQuery must be non-empty; context and
// options may be nil.
func NewRequest(userQuery string, context, options map[string]any) (*EngineRequest, error) {
	if userQuery == "" {
		return nil, fmt.Errorf("%w: user query is required", ErrInvalidRequest)
	}
	return &EngineRequest{
		userQuery: userQuery,
		context:   cloneMap(context),
		options:   cloneMap(options),
	}, nil
}

// UserQuery returns the free-text request.
func (r *EngineRequest) UserQuery() string {
	return r.userQuery
}

// Context returns a shallow copy of the request context (conversation
// history, chapter state, character roster, style requirements).
func (r *EngineRequest) Context() map[string]any {
	return cloneMap(r.context)
}

// Options returns a shallow copy of the request tunables.
func (r *EngineRequest) Options() map[string]any {
	return cloneMap(r.options)
}

// ContextValue looks up a single context key.
func (r *EngineRequest) ContextValue(key string) (any, bool) {
	v, ok := r.context[key]
	return v, ok
}

// Option looks up a single option key.
func (r *EngineRequest) Option(key string) (any, bool) {
	v, ok := r.options[key]
	return v, ok
}

// QueryUnderstandingResult is the structured reading of a request.
// MustInclude and MustAvoid are hard constraints enforced by the low-level checker.
type QueryUnderstandingResult struct {
	SearchIntent string         `json:"search_intent"`
	Keywords     []string       `json:"keywords"`
	MustInclude  []string       `json:"must_include"`
	MustAvoid    []string       `json:"must_avoid"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// RetrievedMemory is one candidate context item. Higher Score is more relevant.
type RetrievedMemory struct {
	ID      string         `json:"id"`
	Content string         `json:"content"`
	Score   float64        `json:"score"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Plan is the director's output. Its shape depends on the writer, so it is
// kept as an open map.
type Plan map[string]any

// Clone returns a shallow copy of the plan.
func (p Plan) Clone() Plan {
	if p == nil {
		return Plan{}
	}
	return Plan(maps.Clone(map[string]any(p)))
}

// Violation describes one failed consistency rule. The keys "rule" and
// "message" are always present on violations built with NewViolation.
type Violation map[string]any

// NewViolation builds a violation with the given rule and message plus any extras.
func NewViolation(rule, message string, extras map[string]any) Violation {
	v := Violation{"rule": rule, "message": message}
	for k, val := range extras {
		v[k] = val
	}
	return v
}

// Rule returns the violation's rule name, if any.
func (v Violation) Rule() string {
	s, _ := v["rule"].(string)
	return s
}

// Message returns the human-readable description, if any.
func (v Violation) Message() string {
	s, _ := v["message"].(string)
	return s
}

// ConsistencyReport is the verdict of one checker, or the aggregate of both.
// A passing report should be marked Repairable so it does not veto repair
// of the other checker's findings.
type ConsistencyReport struct {
	Pass       bool        `json:"pass"`
	Violations []Violation `json:"violations"`
	Repairable bool        `json:"repairable"`
}

// PassReport returns a passing report with no violations.
func PassReport() ConsistencyReport {
	return ConsistencyReport{Pass: true, Violations: []Violation{}, Repairable: true}
}

// FailReport returns a failing report with the given violations.
func FailReport(repairable bool, violations ...Violation) ConsistencyReport {
	return ConsistencyReport{Pass: false, Violations: slices.Clone(violations), Repairable: repairable}
}

// EngineResponse is the terminal value of a successful run. Debug is only
// populated in verbose mode.
type EngineResponse struct {
	Content string         `json:"content"`
	Debug   map[string]any `json:"debug,omitempty"`
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return maps.Clone(m)
}
