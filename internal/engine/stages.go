package engine

import "context"

// QueryUnderstanding turns a raw request into a structured understanding.
// Implementations must not mutate the request and must return a best-effort
// result for degenerate queries; an error means the backend is unreachable.
type QueryUnderstanding interface {
	Understand(ctx context.Context, req *EngineRequest, tier UserTier) (QueryUnderstandingResult, error)
}

// Retriever fetches ranked candidate memories. Results must be ordered by
// descending score, ties kept in backend order. An empty slice is a valid
// answer; errors should wrap ErrRetrievalUnavailable.
type Retriever interface {
	Retrieve(ctx context.Context, understanding QueryUnderstandingResult, req *EngineRequest, tier UserTier) ([]RetrievedMemory, error)
}

// Director produces the plan that governs tone, structure and constraints
// for the writer. It is expected to be a pure function of its inputs.
type Director interface {
	Plan(ctx context.Context, req *EngineRequest, understanding QueryUnderstandingResult, memories []RetrievedMemory, tier UserTier) (Plan, error)
}

// Writer drafts text. It honors MustInclude/MustAvoid on a best-effort basis;
// the low-level checker is the enforcement point.
type Writer interface {
	Write(ctx context.Context, req *EngineRequest, understanding QueryUnderstandingResult, memories []RetrievedMemory, plan Plan, tier UserTier) (string, error)
}

// LowLevelConsistencyChecker is the fast, deterministic, rule-based checker.
// It must not call external services.
type LowLevelConsistencyChecker interface {
	Check(ctx context.Context, draft string, req *EngineRequest, understanding QueryUnderstandingResult, tier UserTier) (ConsistencyReport, error)
}

// HighLevelConsistencyChecker is the slower semantic judge. The plan is
// advisory context for its judgment, not a hard constraint.
type HighLevelConsistencyChecker interface {
	Check(ctx context.Context, draft string, req *EngineRequest, understanding QueryUnderstandingResult, plan Plan, tier UserTier) (ConsistencyReport, error)
}
