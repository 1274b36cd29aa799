package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// testConfig returns a fast dispatch profile with deterministic jitter.
func testConfig() Config {
	return Config{
		MaxRetries:        3,
		RequestsPerSecond: 1000,
		MaxConcurrent:     3,
		MaxPending:        64,
		Backoff: Policy{
			Base:      5 * time.Millisecond,
			Max:       50 * time.Millisecond,
			Jitter:    0.10,
			randFloat: fixedRand(0.5),
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestScheduler_FIFO(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	s := NewScheduler(&fakeTokens{}, cfg)
	defer s.Close(context.Background())

	var mu sync.Mutex
	var order []int

	var tickets []*Ticket
	for i := 0; i < 5; i++ {
		i := i
		ticket, err := s.Submit(Operation{
			Name: "ordered",
			Invoke: func(ctx context.Context) (any, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return i, nil
			},
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		tickets = append(tickets, ticket)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, ticket := range tickets {
		if _, err := ticket.Wait(ctx); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("Expected dispatch order %v at position %d, got %d", i, i, got)
		}
	}
}

func TestScheduler_ConcurrencyCap(t *testing.T) {
	s := NewScheduler(&fakeTokens{}, testConfig())
	defer s.Close(context.Background())

	var mu sync.Mutex
	current, peak := 0, 0

	var tickets []*Ticket
	for i := 0; i < 6; i++ {
		ticket, err := s.Submit(Operation{
			Name: "slow",
			Invoke: func(ctx context.Context) (any, error) {
				mu.Lock()
				current++
				if current > peak {
					peak = current
				}
				mu.Unlock()

				time.Sleep(100 * time.Millisecond)

				mu.Lock()
				current--
				mu.Unlock()
				return nil, nil
			},
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		tickets = append(tickets, ticket)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, ticket := range tickets {
		if _, err := ticket.Wait(ctx); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 3 {
		t.Errorf("Expected at most 3 in flight, got %d", peak)
	}
	if peak != 3 {
		t.Errorf("Expected the cap to be reached, peak was %d", peak)
	}
}

func TestScheduler_Pacing(t *testing.T) {
	cfg := testConfig()
	cfg.RequestsPerSecond = 50 // 20ms between dispatch starts
	s := NewScheduler(&fakeTokens{}, cfg)
	defer s.Close(context.Background())

	var mu sync.Mutex
	var starts []time.Time

	var tickets []*Ticket
	for i := 0; i < 4; i++ {
		ticket, err := s.Submit(Operation{
			Name: "paced",
			Invoke: func(ctx context.Context) (any, error) {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				return nil, nil
			},
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		tickets = append(tickets, ticket)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, ticket := range tickets {
		if _, err := ticket.Wait(ctx); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 4 {
		t.Fatalf("Expected 4 dispatches, got %d", len(starts))
	}
	// Start times can lag the limiter grant slightly, so gaps are checked
	// against half the nominal interval.
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < 10*time.Millisecond {
			t.Errorf("Dispatches %d and %d only %v apart", i-1, i, gap)
		}
	}
	if total := starts[3].Sub(starts[0]); total < 45*time.Millisecond {
		t.Errorf("Expected 4 dispatches to span at least 45ms, got %v", total)
	}
}

func TestScheduler_RetryThenSuccess(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff.Base = 10 * time.Millisecond
	s := NewScheduler(&fakeTokens{}, cfg)
	defer s.Close(context.Background())

	calls := 0
	op := scriptedOp(&calls, &statusErr{status: 503}, &statusErr{status: 503})

	begin := time.Now()
	ticket, err := s.Submit(op)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := ticket.Wait(ctx)
	if err != nil {
		t.Fatalf("Expected eventual success, got %v", err)
	}
	if result != "ok" {
		t.Errorf("Expected ok, got %v", result)
	}
	if calls != 3 {
		t.Errorf("Expected 3 invocations, got %d", calls)
	}
	if ticket.Attempts() != 3 {
		t.Errorf("Expected 3 recorded attempts, got %d", ticket.Attempts())
	}
	// Two backoff waits: 10ms then 20ms.
	if elapsed := time.Since(begin); elapsed < 25*time.Millisecond {
		t.Errorf("Expected at least 25ms of backoff, finished in %v", elapsed)
	}
}

func TestScheduler_RetryBudgetExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff.Base = time.Millisecond
	cfg.Backoff.Max = 5 * time.Millisecond
	s := NewScheduler(&fakeTokens{}, cfg)
	defer s.Close(context.Background())

	calls := 0
	op := scriptedOp(&calls,
		&statusErr{status: 503},
		&statusErr{status: 503},
		&statusErr{status: 503},
		&statusErr{status: 503},
		&statusErr{status: 503},
	)

	ticket, err := s.Submit(op)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = ticket.Wait(ctx)
	if kind := Classify(err).Kind; kind != KindServerError {
		t.Fatalf("Expected terminal server_error, got %v", err)
	}
	// Initial dispatch plus MaxRetries re-dispatches.
	if calls != 4 {
		t.Errorf("Expected 4 invocations, got %d", calls)
	}
	if ticket.Attempts() != 4 {
		t.Errorf("Expected 4 recorded attempts, got %d", ticket.Attempts())
	}
}

func TestScheduler_TokenInvalidSignsOut(t *testing.T) {
	tokens := &fakeTokens{}
	s := NewScheduler(tokens, testConfig())
	defer s.Close(context.Background())

	calls := 0
	op := scriptedOp(&calls, &statusErr{status: 401, revoked: true})

	ticket, err := s.Submit(op)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = ticket.Wait(ctx)
	if kind := Classify(err).Kind; kind != KindTokenInvalid {
		t.Fatalf("Expected token_invalid, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected no retries after revocation, got %d invocations", calls)
	}
	waitFor(t, "sign-out", func() bool {
		_, _, signOut := tokens.counts()
		return signOut == 1
	})
	if _, refresh, _ := tokens.counts(); refresh != 0 {
		t.Errorf("Expected no refresh for a revoked credential, got %d", refresh)
	}
}

func TestScheduler_AuthRequiredTerminal(t *testing.T) {
	tokens := &fakeTokens{}
	s := NewScheduler(tokens, testConfig())
	defer s.Close(context.Background())

	calls := 0
	op := scriptedOp(&calls, &statusErr{status: 401}, &statusErr{status: 401})

	ticket, err := s.Submit(op)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = ticket.Wait(ctx)
	if kind := Classify(err).Kind; kind != KindAuthRequired {
		t.Fatalf("Expected terminal auth_required, got %v", err)
	}
	// The guard's recovery re-invocation is the only second call; the
	// scheduler must not add backoff retries on top.
	if calls != 2 {
		t.Errorf("Expected 2 invocations, got %d", calls)
	}
	ensure, refresh, signOut := tokens.counts()
	if ensure != 1 || refresh != 1 {
		t.Errorf("Expected 1 ensure / 1 refresh, got %d / %d", ensure, refresh)
	}
	if signOut != 0 {
		t.Errorf("Expected no sign-out for recoverable auth failure, got %d", signOut)
	}
}

func TestScheduler_RetryAfterPrecedence(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff.Base = time.Millisecond
	s := NewScheduler(&fakeTokens{}, cfg)
	defer s.Close(context.Background())

	calls := 0
	op := scriptedOp(&calls, &statusErr{status: 429, retryAfter: 200 * time.Millisecond})

	begin := time.Now()
	ticket, err := s.Submit(op)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := ticket.Wait(ctx); err != nil {
		t.Fatalf("Expected eventual success, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 invocations, got %d", calls)
	}
	if elapsed := time.Since(begin); elapsed < 180*time.Millisecond {
		t.Errorf("Expected the server directive to set the wait, finished in %v", elapsed)
	}
}

func TestScheduler_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	cfg.MaxPending = 2
	s := NewScheduler(&fakeTokens{}, cfg)
	defer s.Close(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	blocker, err := s.Submit(Operation{
		Name: "blocker",
		Invoke: func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	quick := Operation{Name: "quick", Invoke: func(ctx context.Context) (any, error) { return nil, nil }}
	second, err := s.Submit(quick)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	third, err := s.Submit(quick)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if _, err := s.Submit(quick); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Expected ErrQueueFull, got %v", err)
	}

	close(release)
	for _, ticket := range []*Ticket{blocker, second, third} {
		if _, err := ticket.Wait(ctx); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}
}

func TestScheduler_CancelBeforeDispatch(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	s := NewScheduler(&fakeTokens{}, cfg)
	defer s.Close(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	blocker, err := s.Submit(Operation{
		Name: "blocker",
		Invoke: func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started

	var mu sync.Mutex
	ran := false
	queued, err := s.Submit(Operation{
		Name: "canceled",
		Invoke: func(ctx context.Context) (any, error) {
			mu.Lock()
			ran = true
			mu.Unlock()
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	queued.Cancel()
	if !errors.Is(queued.Err(), ErrCanceled) {
		t.Fatalf("Expected ErrCanceled immediately, got %v", queued.Err())
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := blocker.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	waitFor(t, "queue to drain", func() bool { return s.Stats().Queued == 0 })
	mu.Lock()
	defer mu.Unlock()
	if ran {
		t.Error("Canceled operation must never be dispatched")
	}
}

func TestScheduler_Close(t *testing.T) {
	s := NewScheduler(&fakeTokens{}, testConfig())

	started := make(chan struct{})
	release := make(chan struct{})
	inflight, err := s.Submit(Operation{
		Name: "inflight",
		Invoke: func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return "done", nil
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started

	// Saturate the concurrency cap so the last submission stays queued.
	hold := Operation{Name: "hold", Invoke: func(ctx context.Context) (any, error) { <-release; return nil, nil }}
	if _, err := s.Submit(hold); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := s.Submit(hold); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	queued, err := s.Submit(Operation{Name: "stuck", Invoke: func(ctx context.Context) (any, error) { return nil, nil }})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitFor(t, "cap to fill", func() bool { return s.Stats().Active == 3 })

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if !errors.Is(queued.Err(), ErrClosed) {
		t.Errorf("Expected queued item rejected with ErrClosed, got %v", queued.Err())
	}
	if result := inflight.Result(); result != "done" {
		t.Errorf("Expected in-flight operation to finish, got %v / %v", result, inflight.Err())
	}
	if _, err := s.Submit(Operation{Name: "late", Invoke: func(ctx context.Context) (any, error) { return nil, nil }}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after shutdown, got %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("Expected repeated Close to be a no-op, got %v", err)
	}
}

func TestScheduler_CloseRejectsRetryWaiters(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff.Base = 10 * time.Second // retry stays parked until shutdown
	s := NewScheduler(&fakeTokens{}, cfg)

	calls := 0
	ticket, err := s.Submit(scriptedOp(&calls, &statusErr{status: 503}, &statusErr{status: 503}))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitFor(t, "retry to park", func() bool { return s.Stats().RetryWaiting == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !errors.Is(ticket.Err(), ErrClosed) {
		t.Errorf("Expected parked retry rejected with ErrClosed, got %v", ticket.Err())
	}
	if calls != 1 {
		t.Errorf("Expected no redispatch after shutdown, got %d invocations", calls)
	}
}

func TestScheduler_Stats(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	s := NewScheduler(&fakeTokens{}, cfg)
	defer s.Close(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	if _, err := s.Submit(Operation{
		Name: "blocker",
		Invoke: func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		},
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started

	if _, err := s.Submit(Operation{Name: "waiting", Invoke: func(ctx context.Context) (any, error) { return nil, nil }}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	stats := s.Stats()
	if stats.Active != 1 {
		t.Errorf("Expected 1 active, got %d", stats.Active)
	}
	if stats.Queued != 1 {
		t.Errorf("Expected 1 queued, got %d", stats.Queued)
	}
	if stats.Closed {
		t.Error("Expected open scheduler")
	}
	close(release)
}

func TestScheduler_SubmitNilOperation(t *testing.T) {
	s := NewScheduler(&fakeTokens{}, testConfig())
	defer s.Close(context.Background())

	if _, err := s.Submit(Operation{Name: "empty"}); !errors.Is(err, ErrNilOperation) {
		t.Fatalf("Expected ErrNilOperation, got %v", err)
	}
}
