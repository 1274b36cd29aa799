package dispatch

import "context"

// Guard wraps one dispatch attempt with credential handling: validate
// before invoking, and absorb a single auth failure with one refresh and
// one re-invocation.
type Guard struct {
	tokens TokenSource
}

// NewGuard creates a guard over the given token source.
func NewGuard(tokens TokenSource) *Guard {
	return &Guard{tokens: tokens}
}

// Run executes the operation once, recovering at most one auth failure in
// place. Failures come back classified. Whatever the scheduler's retry
// budget, a single Run never invokes the operation more than twice.
func (g *Guard) Run(ctx context.Context, op Operation) (any, error) {
	if err := g.tokens.EnsureValid(ctx); err != nil {
		// Unusable and unrefreshable credential. The operation is not
		// attempted at all.
		return nil, &Error{Kind: KindTokenInvalid, Err: err}
	}

	result, err := op.Invoke(ctx)
	if err == nil {
		return result, nil
	}

	ce := Classify(err)
	if ce.Kind != KindAuthRequired {
		return nil, ce
	}

	// The credential went stale under us. Refresh once and retry once; a
	// second failure of any kind is surfaced, not resolved here.
	if err := g.tokens.Refresh(ctx); err != nil {
		return nil, &Error{Kind: KindTokenInvalid, Err: err}
	}

	result, err = op.Invoke(ctx)
	if err != nil {
		return nil, Classify(err)
	}
	return result, nil
}
