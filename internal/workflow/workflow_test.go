package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mail-dispatch-go/internal/metrics"
	"mail-dispatch-go/internal/model"
	"mail-dispatch-go/internal/repository"
)

// Prometheus collectors register globally, so one shared instance serves the
// whole test binary.
var testMetrics = metrics.NewMetrics()

// memInstanceStore is an in-memory InstanceStore with the same versioned save
// semantics as the repository: a transition only lands when the row is still
// running at the version the caller read.
type memInstanceStore struct {
	mu        sync.Mutex
	instances map[string]model.WorkflowInstance
}

func newMemInstanceStore() *memInstanceStore {
	return &memInstanceStore{instances: make(map[string]model.WorkflowInstance)}
}

func (s *memInstanceStore) Get(ctx context.Context, instanceID string) (*model.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, nil
	}
	copied := inst
	return &copied, nil
}

func (s *memInstanceStore) Create(ctx context.Context, inst *model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.InstanceID]; ok {
		return repository.ErrDuplicate
	}
	s.instances[inst.InstanceID] = *inst
	return nil
}

func (s *memInstanceStore) Save(ctx context.Context, inst *model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.instances[inst.InstanceID]
	if !ok || current.Status != model.WorkflowStatusRunning || current.Version != inst.Version {
		return repository.ErrStale
	}
	saved := *inst
	saved.Version = current.Version + 1
	s.instances[inst.InstanceID] = saved
	return nil
}

func (s *memInstanceStore) ListDue(ctx context.Context, now time.Time, limit int) ([]model.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status == model.WorkflowStatusRunning && inst.Deadline != nil && !inst.Deadline.After(now) {
			due = append(due, inst)
		}
	}
	return due, nil
}

func (s *memInstanceStore) get(instanceID string) model.WorkflowInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instances[instanceID]
}

// memSuggestions is an in-memory SuggestionStore with the repository's
// first-verdict-wins Resolve semantics.
type memSuggestions struct {
	mu          sync.Mutex
	suggestions map[string]model.Suggestion
	creates     int
}

func newMemSuggestions() *memSuggestions {
	return &memSuggestions{suggestions: make(map[string]model.Suggestion)}
}

func (s *memSuggestions) GetByID(ctx context.Context, id string) (*model.Suggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sug, ok := s.suggestions[id]
	if !ok {
		return nil, nil
	}
	copied := sug
	return &copied, nil
}

func (s *memSuggestions) Create(ctx context.Context, sug *model.Suggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.suggestions[sug.ID]; ok {
		return repository.ErrDuplicate
	}
	s.creates++
	s.suggestions[sug.ID] = *sug
	return nil
}

func (s *memSuggestions) Resolve(ctx context.Context, id, status, reviewerID, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sug, ok := s.suggestions[id]
	if !ok {
		return fmt.Errorf("suggestion %s not found", id)
	}
	if sug.Status != model.SuggestionStatusPending {
		return repository.ErrAlreadyResolved
	}
	now := time.Now()
	sug.Status = status
	sug.ReviewerID = reviewerID
	sug.ReviewNote = note
	sug.ResolvedAt = &now
	s.suggestions[id] = sug
	return nil
}

func (s *memSuggestions) Fail(ctx context.Context, id, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sug, ok := s.suggestions[id]
	if !ok {
		return fmt.Errorf("suggestion %s not found", id)
	}
	sug.Status = model.SuggestionStatusFailed
	sug.ReviewNote = note
	s.suggestions[id] = sug
	return nil
}

func (s *memSuggestions) get(id string) model.Suggestion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suggestions[id]
}

type fakeMaterializer struct {
	calls int
	err   error
}

func (f *fakeMaterializer) Materialize(ctx context.Context, s *model.Suggestion) error {
	f.calls++
	return f.err
}

type approvalHarness struct {
	engine       *DurableEngine
	store        *memInstanceStore
	suggestions  *memSuggestions
	materializer *fakeMaterializer
	workflow     *ApprovalWorkflow
}

func newApprovalHarness(t *testing.T, timeout time.Duration, maxRetries int) *approvalHarness {
	t.Helper()

	store := newMemInstanceStore()
	suggestions := newMemSuggestions()
	materializer := &fakeMaterializer{}

	w := NewApprovalWorkflow(suggestions, materializer, LogNotifier{}, timeout, maxRetries, testMetrics)
	w.retryDelay = 0

	engine := NewDurableEngine(store)
	engine.Register(w)
	engine.Register(NewTriageWorkflow())

	return &approvalHarness{
		engine:       engine,
		store:        store,
		suggestions:  suggestions,
		materializer: materializer,
		workflow:     w,
	}
}

func testInput() ApprovalInput {
	return ApprovalInput{
		SuggestionID:  "sug-1",
		Kind:          "supplier_update",
		Payload:       `{"iban": "DE89..."}`,
		Confidence:    0.93,
		Reasoning:     "sender is a known supplier",
		TriggerSource: model.EventSourceEmail,
	}
}

func queryStatus(t *testing.T, h *approvalHarness, instanceID string) StatusResult {
	t.Helper()
	raw, err := h.engine.Query(context.Background(), instanceID, QueryGetStatus)
	require.NoError(t, err)
	var status StatusResult
	require.NoError(t, json.Unmarshal(raw, &status))
	return status
}

func TestStartWorkflowIdempotent(t *testing.T) {
	h := newApprovalHarness(t, time.Hour, 3)
	ctx := context.Background()
	id := ApprovalInstanceID("sug-1")

	ref1, err := h.engine.StartWorkflow(ctx, ApprovalWorkflowName, id, testInput())
	require.NoError(t, err)

	ref2, err := h.engine.StartWorkflow(ctx, ApprovalWorkflowName, id, testInput())
	require.NoError(t, err)

	assert.Equal(t, ref1, ref2)
	// Init's side effects ran exactly once.
	assert.Equal(t, 1, h.suggestions.creates)

	status := queryStatus(t, h, id)
	assert.Equal(t, StateAwaitingApproval, status.State)
	assert.True(t, status.WaitingForApproval)
}

func TestApproveMaterializesAndCompletes(t *testing.T) {
	h := newApprovalHarness(t, time.Hour, 3)
	ctx := context.Background()
	id := ApprovalInstanceID("sug-1")

	_, err := h.engine.StartWorkflow(ctx, ApprovalWorkflowName, id, testInput())
	require.NoError(t, err)

	err = h.engine.Signal(ctx, id, SignalApprove, ReviewSignal{ReviewerID: "alice", Note: "verified by phone"})
	require.NoError(t, err)

	assert.Equal(t, 1, h.materializer.calls)

	sug := h.suggestions.suggestions["sug-1"]
	assert.Equal(t, model.SuggestionStatusApproved, sug.Status)
	assert.Equal(t, "alice", sug.ReviewerID)

	inst := h.store.instances[id]
	assert.Equal(t, model.WorkflowStatusCompleted, inst.Status)
	assert.Nil(t, inst.Deadline)

	status := queryStatus(t, h, id)
	assert.Equal(t, StateApproved, status.State)
	assert.True(t, status.Approved)
	assert.False(t, status.WaitingForApproval)
}

func TestRejectThenApproveIsNoOp(t *testing.T) {
	h := newApprovalHarness(t, time.Hour, 3)
	ctx := context.Background()
	id := ApprovalInstanceID("sug-1")

	_, err := h.engine.StartWorkflow(ctx, ApprovalWorkflowName, id, testInput())
	require.NoError(t, err)

	require.NoError(t, h.engine.Signal(ctx, id, SignalReject, ReviewSignal{ReviewerID: "alice", Note: "not valid"}))

	// A second verdict after the terminal state changes nothing.
	require.NoError(t, h.engine.Signal(ctx, id, SignalApprove, ReviewSignal{ReviewerID: "bob"}))

	assert.Equal(t, 0, h.materializer.calls)
	assert.Equal(t, model.SuggestionStatusRejected, h.suggestions.suggestions["sug-1"].Status)

	status := queryStatus(t, h, id)
	assert.Equal(t, StateRejected, status.State)
	assert.Equal(t, "alice", status.ReviewerID)
}

// gateStore holds the first two instance reads after arming until both have
// read, forcing two signals to observe the same running version.
type gateStore struct {
	*memInstanceStore
	gateMu  sync.Mutex
	armed   bool
	arrived int
	release chan struct{}
}

func (s *gateStore) Get(ctx context.Context, instanceID string) (*model.WorkflowInstance, error) {
	inst, err := s.memInstanceStore.Get(ctx, instanceID)

	s.gateMu.Lock()
	if s.armed && s.arrived < 2 {
		s.arrived++
		if s.arrived == 2 {
			close(s.release)
		}
		s.gateMu.Unlock()
		<-s.release
	} else {
		s.gateMu.Unlock()
	}

	return inst, err
}

func TestConcurrentVerdictsFirstWins(t *testing.T) {
	inner := newMemInstanceStore()
	store := &gateStore{memInstanceStore: inner, release: make(chan struct{})}
	suggestions := newMemSuggestions()
	materializer := &fakeMaterializer{}

	w := NewApprovalWorkflow(suggestions, materializer, LogNotifier{}, time.Hour, 3, testMetrics)
	w.retryDelay = 0
	engine := NewDurableEngine(store)
	engine.Register(w)

	ctx := context.Background()
	id := ApprovalInstanceID("sug-1")
	_, err := engine.StartWorkflow(ctx, ApprovalWorkflowName, id, testInput())
	require.NoError(t, err)

	store.gateMu.Lock()
	store.armed = true
	store.gateMu.Unlock()

	var wg sync.WaitGroup
	verdictErrs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		verdictErrs[0] = engine.Signal(ctx, id, SignalApprove, ReviewSignal{ReviewerID: "alice"})
	}()
	go func() {
		defer wg.Done()
		verdictErrs[1] = engine.Signal(ctx, id, SignalReject, ReviewSignal{ReviewerID: "bob"})
	}()
	wg.Wait()

	require.NoError(t, verdictErrs[0])
	require.NoError(t, verdictErrs[1])

	inst := inner.get(id)
	require.Equal(t, model.WorkflowStatusCompleted, inst.Status)

	var st approvalState
	require.NoError(t, json.Unmarshal([]byte(inst.State), &st))

	// Whichever verdict won, the suggestion row, the instance state, and the
	// side effects all agree on it.
	sug := suggestions.get("sug-1")
	switch sug.Status {
	case model.SuggestionStatusApproved:
		assert.Equal(t, StateApproved, st.State)
		assert.Equal(t, "alice", sug.ReviewerID)
		assert.Equal(t, 1, materializer.calls)
	case model.SuggestionStatusRejected:
		assert.Equal(t, StateRejected, st.State)
		assert.Equal(t, "bob", sug.ReviewerID)
		assert.Equal(t, 0, materializer.calls)
	default:
		t.Fatalf("suggestion left in unexpected status %q", sug.Status)
	}
	assert.Equal(t, sug.ReviewerID, st.ReviewerID)
}

func TestTimeoutSweep(t *testing.T) {
	h := newApprovalHarness(t, time.Minute, 3)
	ctx := context.Background()
	id := ApprovalInstanceID("sug-1")

	_, err := h.engine.StartWorkflow(ctx, ApprovalWorkflowName, id, testInput())
	require.NoError(t, err)

	// Before the deadline the sweep leaves the instance alone.
	require.NoError(t, h.engine.RunSweep(ctx, time.Now()))
	status := queryStatus(t, h, id)
	assert.Equal(t, StateAwaitingApproval, status.State)

	// Past the deadline the instance auto-resolves as timed out.
	require.NoError(t, h.engine.RunSweep(ctx, time.Now().Add(2*time.Minute)))

	status = queryStatus(t, h, id)
	assert.Equal(t, StateTimedOut, status.State)
	assert.Equal(t, model.SuggestionStatusTimeout, h.suggestions.suggestions["sug-1"].Status)
	assert.Equal(t, model.WorkflowStatusCompleted, h.store.instances[id].Status)

	// A late verdict after the timeout is dropped.
	require.NoError(t, h.engine.Signal(ctx, id, SignalApprove, ReviewSignal{ReviewerID: "alice"}))
	assert.Equal(t, 0, h.materializer.calls)
}

func TestExhaustedMaterializerMovesToFailed(t *testing.T) {
	h := newApprovalHarness(t, time.Hour, 2)
	h.materializer.err = fmt.Errorf("entity service unavailable")
	ctx := context.Background()
	id := ApprovalInstanceID("sug-1")

	_, err := h.engine.StartWorkflow(ctx, ApprovalWorkflowName, id, testInput())
	require.NoError(t, err)

	require.NoError(t, h.engine.Signal(ctx, id, SignalApprove, ReviewSignal{ReviewerID: "alice"}))

	// Both attempts ran, then the instance parked in the explicit failed
	// state instead of pretending the approval applied.
	assert.Equal(t, 2, h.materializer.calls)
	assert.Equal(t, model.SuggestionStatusFailed, h.suggestions.suggestions["sug-1"].Status)
	assert.Equal(t, model.WorkflowStatusCompleted, h.store.instances[id].Status)

	status := queryStatus(t, h, id)
	assert.Equal(t, StateFailed, status.State)
	assert.False(t, status.Approved)
}

func TestSignalUnknownInstance(t *testing.T) {
	h := newApprovalHarness(t, time.Hour, 3)

	err := h.engine.Signal(context.Background(), ApprovalInstanceID("missing"), SignalApprove, ReviewSignal{})
	assert.Error(t, err)

	_, err = h.engine.Query(context.Background(), ApprovalInstanceID("missing"), QueryGetStatus)
	assert.Error(t, err)
}

func TestStartUnknownWorkflow(t *testing.T) {
	h := newApprovalHarness(t, time.Hour, 3)

	_, err := h.engine.StartWorkflow(context.Background(), "no-such-workflow", "x:1", nil)
	assert.Error(t, err)
}

func TestTriageResolve(t *testing.T) {
	h := newApprovalHarness(t, time.Hour, 3)
	ctx := context.Background()

	ref, err := h.engine.StartWorkflow(ctx, TriageWorkflowName, "event:evt-1", TriageInput{
		EventID: "evt-1",
		Intent:  "order_request",
		Subject: "PO 4711",
	})
	require.NoError(t, err)
	assert.Equal(t, "event:evt-1", ref)

	// No deadline: triage waits for an operator indefinitely.
	require.NoError(t, h.engine.RunSweep(ctx, time.Now().Add(24*time.Hour)))
	inst := h.store.instances["event:evt-1"]
	assert.Equal(t, model.WorkflowStatusRunning, inst.Status)

	err = h.engine.Signal(ctx, "event:evt-1", SignalResolveTriage, map[string]string{"resolution": "entered order manually"})
	require.NoError(t, err)

	inst = h.store.instances["event:evt-1"]
	assert.Equal(t, model.WorkflowStatusCompleted, inst.Status)

	raw, err := h.engine.Query(ctx, "event:evt-1", QueryGetStatus)
	require.NoError(t, err)
	var st struct {
		Open       bool   `json:"open"`
		Resolution string `json:"resolution"`
	}
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.False(t, st.Open)
	assert.Equal(t, "entered order manually", st.Resolution)
}
