package worker_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kafq/kafq/internal/codec"
	"github.com/kafq/kafq/internal/dispatch"
	"github.com/kafq/kafq/internal/domain"
	"github.com/kafq/kafq/internal/engine"
	"github.com/kafq/kafq/internal/registry"
	"github.com/kafq/kafq/internal/worker"
)

type fakeSource struct {
	mu      sync.Mutex
	records []domain.Record
	next    int
	commits []domain.Record
}

func (s *fakeSource) Fetch(ctx context.Context) (domain.Record, error) {
	if ctx.Err() != nil {
		return domain.Record{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.records) {
		return domain.Record{}, worker.ErrSourceClosed
	}
	rec := s.records[s.next]
	s.next++
	return rec, nil
}

func (s *fakeSource) Commit(_ context.Context, rec domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, rec)
	return nil
}

func (s *fakeSource) Close() {}

func (s *fakeSource) Commits() []domain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Record(nil), s.commits...)
}

type forwardCall struct {
	rec domain.Record
	key []byte
}

type fakeForwarder struct {
	mu    sync.Mutex
	calls []forwardCall
	err   error
}

func (f *fakeForwarder) Forward(_ context.Context, rec domain.Record, key []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, forwardCall{rec: rec, key: key})
	return f.err
}

func (f *fakeForwarder) Calls() []forwardCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forwardCall(nil), f.calls...)
}

type countingHandler struct {
	mu    sync.Mutex
	calls int
	args  []any
	fn    domain.Handler
}

func (h *countingHandler) handle(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	h.mu.Lock()
	h.calls++
	h.args = args
	h.mu.Unlock()
	if h.fn != nil {
		return h.fn(ctx, args, kwargs)
	}
	return nil, nil
}

func (h *countingHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func record(value string) domain.Record {
	return domain.Record{
		Topic:     "jobs",
		Partition: 0,
		Offset:    7,
		Value:     []byte(value),
		Timestamp: time.Now(),
	}
}

func newWorker(t *testing.T, source *fakeSource, fwd *fakeForwarder, h domain.Handler, cb dispatch.Callback, opts ...worker.Option) *worker.Worker {
	t.Helper()
	reg := registry.New()
	if h != nil {
		if err := reg.Register("job", h); err != nil {
			t.Fatalf("register handler: %v", err)
		}
	}
	var dispOpts []dispatch.Option
	if cb != nil {
		dispOpts = append(dispOpts, dispatch.WithCallback(cb))
	}
	eng := engine.New()
	t.Cleanup(eng.Close)
	return worker.New(source, codec.New(reg), eng, dispatch.New(dispOpts...), fwd, opts...)
}

func TestDefaultCommitExecutesOnceAndCommits(t *testing.T) {
	source := &fakeSource{records: []domain.Record{record(`{"id":"j1","func":"job","args":[2,3]}`)}}
	fwd := &fakeForwarder{}
	h := &countingHandler{fn: func(_ context.Context, args []any, _ map[string]any) (any, error) {
		return args[0].(float64) + args[1].(float64), nil
	}}

	w := newWorker(t, source, fwd, h.handle, nil)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if h.Calls() != 1 {
		t.Fatalf("handler ran %d times, want exactly 1", h.Calls())
	}
	if len(fwd.Calls()) != 0 {
		t.Fatalf("forwarder called %d times, want 0", len(fwd.Calls()))
	}
	commits := source.Commits()
	if len(commits) != 1 {
		t.Fatalf("committed %d offsets, want 1", len(commits))
	}
	if commits[0].Offset != 7 {
		t.Fatalf("committed offset %d, want 7", commits[0].Offset)
	}
}

func TestFailureWithoutCallbackStillCommits(t *testing.T) {
	source := &fakeSource{records: []domain.Record{record(`{"id":"j2","func":"job"}`)}}
	fwd := &fakeForwarder{}
	h := &countingHandler{fn: func(_ context.Context, _ []any, _ map[string]any) (any, error) {
		return nil, errors.New("always fails")
	}}

	w := newWorker(t, source, fwd, h.handle, nil)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if h.Calls() != 1 {
		t.Fatalf("handler ran %d times, want 1", h.Calls())
	}
	if len(source.Commits()) != 1 {
		t.Fatal("an unconfigured worker must commit failed jobs")
	}
}

func TestRetryDecisionReexecutesUntilCommit(t *testing.T) {
	const wantAttempts = 5

	source := &fakeSource{records: []domain.Record{record(`{"id":"j3","func":"job"}`)}}
	fwd := &fakeForwarder{}
	h := &countingHandler{}

	cb := func(_ domain.Status, _ domain.Job, _ any, _ error, _ string, tryCount int) domain.Decision {
		if tryCount < wantAttempts-1 {
			return domain.DecisionRetry
		}
		return domain.DecisionCommit
	}

	w := newWorker(t, source, fwd, h.handle, cb)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if h.Calls() != wantAttempts {
		t.Fatalf("handler ran %d times, want %d", h.Calls(), wantAttempts)
	}
	if len(source.Commits()) != 1 {
		t.Fatalf("committed %d offsets, want 1", len(source.Commits()))
	}
	if len(fwd.Calls()) != 0 {
		t.Fatal("retried-then-committed record must not be dead-lettered")
	}
}

func TestMalformedPayloadForwardedVerbatimWithoutExecution(t *testing.T) {
	payload := `this is not a job`
	source := &fakeSource{records: []domain.Record{record(payload)}}
	fwd := &fakeForwarder{}
	h := &countingHandler{}

	w := newWorker(t, source, fwd, h.handle, nil)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if h.Calls() != 0 {
		t.Fatal("malformed record must never be executed")
	}
	calls := fwd.Calls()
	if len(calls) != 1 {
		t.Fatalf("forwarder called %d times, want 1", len(calls))
	}
	if !bytes.Equal(calls[0].rec.Value, []byte(payload)) {
		t.Fatal("forwarded payload must be the raw bytes, unmodified")
	}
	if calls[0].key != nil {
		t.Fatalf("key = %q, want none when the record never decoded", calls[0].key)
	}
	if len(source.Commits()) != 1 {
		t.Fatal("offset must commit after a successful forward")
	}
}

func TestForwardFailureWithholdsCommit(t *testing.T) {
	source := &fakeSource{records: []domain.Record{record(`garbage`)}}
	fwd := &fakeForwarder{err: errors.New("ack timeout")}
	h := &countingHandler{}

	w := newWorker(t, source, fwd, h.handle, nil)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(fwd.Calls()) != 1 {
		t.Fatalf("forwarder called %d times, want 1", len(fwd.Calls()))
	}
	if len(source.Commits()) != 0 {
		t.Fatal("offset must stay uncommitted when the forward fails")
	}
}

func TestFailureWithNonDeadLetterCallbackCommits(t *testing.T) {
	source := &fakeSource{records: []domain.Record{record(`{"id":"j4","func":"job"}`)}}
	fwd := &fakeForwarder{}
	h := &countingHandler{fn: func(_ context.Context, _ []any, _ map[string]any) (any, error) {
		return nil, errors.New("value error")
	}}

	cb := func(_ domain.Status, _ domain.Job, _ any, _ error, _ string, _ int) domain.Decision {
		return domain.Decision(1)
	}

	w := newWorker(t, source, fwd, h.handle, cb)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(source.Commits()) != 1 {
		t.Fatal("offset must commit despite the failure")
	}
	if len(fwd.Calls()) != 0 {
		t.Fatal("no dead-letter entry expected")
	}
}

func TestDeadLetterDecisionCarriesDecodedKey(t *testing.T) {
	source := &fakeSource{records: []domain.Record{record(`{"id":"j5","func":"job","key":"tenant-9"}`)}}
	fwd := &fakeForwarder{}
	h := &countingHandler{fn: func(_ context.Context, _ []any, _ map[string]any) (any, error) {
		return nil, errors.New("permanently broken")
	}}

	cb := func(status domain.Status, _ domain.Job, _ any, _ error, _ string, _ int) domain.Decision {
		if status == domain.StatusSuccess {
			return domain.DecisionCommit
		}
		return domain.DecisionDeadLetter
	}

	w := newWorker(t, source, fwd, h.handle, cb)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	calls := fwd.Calls()
	if len(calls) != 1 {
		t.Fatalf("forwarder called %d times, want 1", len(calls))
	}
	if string(calls[0].key) != "tenant-9" {
		t.Fatalf("forwarded key = %q, want the key from the first successful decode", calls[0].key)
	}
	if len(source.Commits()) != 1 {
		t.Fatal("offset must commit after a successful forward")
	}
}

func TestTimeoutOutcomeReachesCallback(t *testing.T) {
	source := &fakeSource{records: []domain.Record{record(`{"id":"j6","func":"job","timeout":0.05}`)}}
	fwd := &fakeForwarder{}
	h := &countingHandler{fn: func(_ context.Context, _ []any, _ map[string]any) (any, error) {
		time.Sleep(time.Second)
		return nil, nil
	}}

	var mu sync.Mutex
	var gotStatus domain.Status
	var gotResult any
	var gotErr error
	var gotTrace string
	var gotTry = -1
	cb := func(status domain.Status, _ domain.Job, result any, err error, trace string, tryCount int) domain.Decision {
		mu.Lock()
		gotStatus, gotResult, gotErr, gotTrace, gotTry = status, result, err, trace, tryCount
		mu.Unlock()
		return domain.DecisionCommit
	}

	w := newWorker(t, source, fwd, h.handle, cb)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotStatus != domain.StatusTimeout {
		t.Fatalf("callback status = %s, want timeout", gotStatus)
	}
	if gotResult != nil || gotErr != nil || gotTrace != "" {
		t.Fatalf("callback got (%v, %v, %q), want (nil, nil, \"\")", gotResult, gotErr, gotTrace)
	}
	if gotTry != 0 {
		t.Fatalf("tryCount = %d, want 0", gotTry)
	}
	if len(source.Commits()) != 1 {
		t.Fatal("commit decision from callback must advance the offset")
	}
}

func TestMaxRetriesCoercesToDeadLetter(t *testing.T) {
	source := &fakeSource{records: []domain.Record{record(`{"id":"j7","func":"job"}`)}}
	fwd := &fakeForwarder{}
	h := &countingHandler{}

	cb := func(_ domain.Status, _ domain.Job, _ any, _ error, _ string, _ int) domain.Decision {
		return domain.DecisionRetry
	}

	w := newWorker(t, source, fwd, h.handle, cb, worker.WithMaxRetries(3))
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if h.Calls() != 3 {
		t.Fatalf("handler ran %d times, want 3", h.Calls())
	}
	if len(fwd.Calls()) != 1 {
		t.Fatal("bounded retries must end in a dead-letter forward")
	}
	if len(source.Commits()) != 1 {
		t.Fatal("offset must commit after the forward")
	}
}

func TestRecordsCommitInOffsetOrder(t *testing.T) {
	recs := []domain.Record{
		{Topic: "jobs", Partition: 0, Offset: 10, Value: []byte(`{"id":"a","func":"job"}`)},
		{Topic: "jobs", Partition: 0, Offset: 11, Value: []byte(`{"id":"b","func":"job"}`)},
		{Topic: "jobs", Partition: 0, Offset: 12, Value: []byte(`{"id":"c","func":"job"}`)},
	}
	source := &fakeSource{records: recs}
	fwd := &fakeForwarder{}
	h := &countingHandler{}

	w := newWorker(t, source, fwd, h.handle, nil)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	commits := source.Commits()
	if len(commits) != 3 {
		t.Fatalf("committed %d offsets, want 3", len(commits))
	}
	for i, want := range []int64{10, 11, 12} {
		if commits[i].Offset != want {
			t.Fatalf("commit %d has offset %d, want %d", i, commits[i].Offset, want)
		}
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	source := &fakeSource{}
	fwd := &fakeForwarder{}

	w := newWorker(t, source, fwd, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := w.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}
