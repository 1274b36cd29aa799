package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// fakeTokens is a scripted TokenSource shared by guard and scheduler tests.
type fakeTokens struct {
	mu           sync.Mutex
	ensureErr    error
	refreshErr   error
	ensureCalls  int
	refreshCalls int
	signOutCalls int
}

func (f *fakeTokens) EnsureValid(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++
	return f.ensureErr
}

func (f *fakeTokens) Refresh(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	return f.refreshErr
}

func (f *fakeTokens) SignOut(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOutCalls++
	return nil
}

func (f *fakeTokens) counts() (ensure, refresh, signOut int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ensureCalls, f.refreshCalls, f.signOutCalls
}

// scriptedOp fails with the scripted errors in order, then succeeds.
func scriptedOp(calls *int, failures ...error) Operation {
	return Operation{
		Name: "test_op",
		Invoke: func(ctx context.Context) (any, error) {
			n := *calls
			*calls++
			if n < len(failures) {
				return nil, failures[n]
			}
			return "ok", nil
		},
	}
}

func TestGuard_Success(t *testing.T) {
	tokens := &fakeTokens{}
	calls := 0

	result, err := NewGuard(tokens).Run(context.Background(), scriptedOp(&calls))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result != "ok" {
		t.Errorf("Expected ok, got %v", result)
	}
	if calls != 1 {
		t.Errorf("Expected 1 invocation, got %d", calls)
	}
	if ensure, refresh, _ := tokens.counts(); ensure != 1 || refresh != 0 {
		t.Errorf("Expected 1 ensure / 0 refresh, got %d / %d", ensure, refresh)
	}
}

func TestGuard_EnsureValidFails(t *testing.T) {
	tokens := &fakeTokens{ensureErr: errors.New("session gone")}
	calls := 0

	_, err := NewGuard(tokens).Run(context.Background(), scriptedOp(&calls))
	if kind := Classify(err).Kind; kind != KindTokenInvalid {
		t.Fatalf("Expected token_invalid, got %v", kind)
	}
	if calls != 0 {
		t.Errorf("Operation must not run with an unrecoverable credential, got %d invocations", calls)
	}
}

func TestGuard_AuthRecovery(t *testing.T) {
	tokens := &fakeTokens{}
	calls := 0
	op := scriptedOp(&calls, &statusErr{status: 401})

	result, err := NewGuard(tokens).Run(context.Background(), op)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result != "ok" {
		t.Errorf("Expected ok, got %v", result)
	}
	if calls != 2 {
		t.Errorf("Expected exactly 2 invocations, got %d", calls)
	}
	if _, refresh, _ := tokens.counts(); refresh != 1 {
		t.Errorf("Expected exactly 1 refresh, got %d", refresh)
	}
}

func TestGuard_AuthFailsTwice(t *testing.T) {
	tokens := &fakeTokens{}
	calls := 0
	op := scriptedOp(&calls, &statusErr{status: 401}, &statusErr{status: 401})

	_, err := NewGuard(tokens).Run(context.Background(), op)
	if kind := Classify(err).Kind; kind != KindAuthRequired {
		t.Fatalf("Expected auth_required, got %v", kind)
	}
	if calls != 2 {
		t.Errorf("Expected exactly 2 invocations, got %d", calls)
	}
	if _, refresh, signOut := tokens.counts(); refresh != 1 || signOut != 0 {
		t.Errorf("Expected 1 refresh and no sign-out, got %d / %d", refresh, signOut)
	}
}

func TestGuard_RefreshFails(t *testing.T) {
	tokens := &fakeTokens{refreshErr: errors.New("refresh rejected")}
	calls := 0
	op := scriptedOp(&calls, &statusErr{status: 401})

	_, err := NewGuard(tokens).Run(context.Background(), op)
	if kind := Classify(err).Kind; kind != KindTokenInvalid {
		t.Fatalf("Expected token_invalid, got %v", kind)
	}
	if calls != 1 {
		t.Errorf("Expected 1 invocation, got %d", calls)
	}
}

func TestGuard_NonAuthFailurePassesThrough(t *testing.T) {
	tokens := &fakeTokens{}
	calls := 0
	op := scriptedOp(&calls, &statusErr{status: 503}, &statusErr{status: 503})

	_, err := NewGuard(tokens).Run(context.Background(), op)
	if kind := Classify(err).Kind; kind != KindServerError {
		t.Fatalf("Expected server_error, got %v", kind)
	}
	if calls != 1 {
		t.Errorf("Guard must not retry non-auth failures, got %d invocations", calls)
	}
	if _, refresh, _ := tokens.counts(); refresh != 0 {
		t.Errorf("Expected no refresh, got %d", refresh)
	}
}
