package develop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/strataforge/strata/internal/pool"
	"github.com/strataforge/strata/internal/store"
)

const testTimeout = 2 * time.Second

// fakeStore records mutations forwarded by the orchestrator.
type fakeStore struct {
	mu      sync.Mutex
	applied []store.Mutation
	fail    error
}

func (f *fakeStore) ApplyMutation(m store.Mutation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.applied = append(f.applied, m)
	return nil
}

func (f *fakeStore) appliedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.applied))
	for _, m := range f.applied {
		ids = append(ids, m.Node.ID)
	}
	return ids
}

type fakeCompiler struct{ generation int }

func (f *fakeCompiler) Generation() int { return f.generation }

// stubServices blocks every service on a per-name gate so tests control
// exactly when each invocation completes.
type stubServices struct {
	store *fakeStore
	pool  *pool.Pool

	mu        sync.Mutex
	calls     []string
	gates     map[string]chan error
	ignoreCtx map[string]bool
	reloads   []WebhookBody
}

func newStubServices() *stubServices {
	return &stubServices{
		store:     &fakeStore{},
		pool:      pool.New(1),
		gates:     map[string]chan error{},
		ignoreCtx: map[string]bool{},
	}
}

func (s *stubServices) gate(name string) chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gates[name] == nil {
		s.gates[name] = make(chan error, 8)
	}
	return s.gates[name]
}

func (s *stubServices) record(name string) {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()
}

func (s *stubServices) callCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, call := range s.calls {
		if call == name {
			count++
		}
	}
	return count
}

func (s *stubServices) wait(ctx context.Context, name string) error {
	s.record(name)
	s.mu.Lock()
	ignore := s.ignoreCtx[name]
	s.mu.Unlock()
	if ignore {
		return <-s.gate(name)
	}
	select {
	case err := <-s.gate(name):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stubServices) Initialize(ctx context.Context) (BootResult, error) {
	err := s.wait(ctx, "initialize")
	return BootResult{Store: s.store, Pool: s.pool}, err
}

func (s *stubServices) InitializeData(ctx context.Context) error {
	return s.wait(ctx, "initialize-data")
}

func (s *stubServices) RunQueries(ctx context.Context) error {
	return s.wait(ctx, "run-queries")
}

func (s *stubServices) StartBundler(ctx context.Context) (Compiler, error) {
	if err := s.wait(ctx, "start-bundler"); err != nil {
		return nil, err
	}
	return &fakeCompiler{generation: 1}, nil
}

func (s *stubServices) Recompile(ctx context.Context, compiler Compiler) error {
	return s.wait(ctx, "recompile")
}

func (s *stubServices) WaitForMutations(ctx context.Context) error {
	return s.wait(ctx, "wait-for-mutations")
}

func (s *stubServices) RecreatePages(ctx context.Context) error {
	return s.wait(ctx, "recreate-pages")
}

func (s *stubServices) ReloadData(ctx context.Context, body WebhookBody) error {
	s.mu.Lock()
	s.reloads = append(s.reloads, body)
	s.mu.Unlock()
	return s.wait(ctx, "reload-data")
}

func (s *stubServices) reloadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reloads)
}

type harness struct {
	orc *Orchestrator
	svc *stubServices
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	svc := newStubServices()
	orc, err := New(svc, append([]Option{WithSessionID("sess-test")}, opts...)...)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	orc.Start(context.Background())
	t.Cleanup(orc.Stop)
	return &harness{orc: orc, svc: svc}
}

// release completes the next pending invocation of the named service.
func (h *harness) release(t *testing.T, name string, err error) {
	t.Helper()
	select {
	case h.svc.gate(name) <- err:
	case <-time.After(testTimeout):
		t.Fatalf("timed out releasing %s", name)
	}
}

func (h *harness) waitForState(t *testing.T, want State) ContextView {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for {
		view := h.orc.Inspect()
		if view.State == want {
			return view
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state %s (current %s)", want, view.State)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) waitForCalls(t *testing.T, name string, count int) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for h.svc.callCount(name) < count {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d calls of %s (have %d)", count, name, h.svc.callCount(name))
		}
		time.Sleep(time.Millisecond)
	}
}

// advanceToWaiting drives a fresh session through the cold-start path.
func (h *harness) advanceToWaiting(t *testing.T) {
	t.Helper()
	h.release(t, "initialize", nil)
	h.waitForState(t, StateInitializingData)
	h.release(t, "initialize-data", nil)
	h.waitForState(t, StateRunningQueries)
	h.release(t, "run-queries", nil)
	h.waitForState(t, StateStartingBundler)
	h.release(t, "start-bundler", nil)
	h.waitForState(t, StateWaiting)
}

func mutation(id string) store.Mutation {
	return store.Mutation{Op: store.OpUpsert, Node: store.Node{ID: id, Type: "post"}}
}

func TestStartYieldsInitializingBeforeAnyCompletion(t *testing.T) {
	h := newHarness(t)
	view := h.orc.Inspect()
	if view.State != StateInitializing {
		t.Fatalf("expected initializing, got %s", view.State)
	}
	if view.StoreCaptured || view.PoolCaptured || view.CompilerSet {
		t.Fatalf("context should be empty before bootstrap: %+v", view)
	}
	if !view.ServiceInFlight {
		t.Fatalf("initialize service should be in flight")
	}
}

func TestBootstrapCapturesStoreAndPool(t *testing.T) {
	h := newHarness(t)
	h.release(t, "initialize", nil)
	view := h.waitForState(t, StateInitializingData)
	if !view.StoreCaptured || !view.PoolCaptured {
		t.Fatalf("expected store and pool captured: %+v", view)
	}
}

func TestMutationDuringInitializingDataForwardsImmediately(t *testing.T) {
	h := newHarness(t)
	h.release(t, "initialize", nil)
	h.waitForState(t, StateInitializingData)

	h.orc.Dispatch(AddNodeMutation{Mutation: mutation("m-1")})
	view := h.waitForState(t, StateInitializingData)
	if got := h.svc.store.appliedIDs(); len(got) != 1 || got[0] != "m-1" {
		t.Fatalf("mutation not forwarded immediately: %+v", got)
	}
	if !view.NodesMutatedDuringQueryRun {
		t.Fatalf("expected nodes-mutated flag latched")
	}
	if len(view.NodeMutationBatch) != 0 {
		t.Fatalf("mutation must not be batched outside running-queries")
	}
}

func TestMutationDuringRunningQueriesIsBatchedInOrder(t *testing.T) {
	h := newHarness(t)
	h.release(t, "initialize", nil)
	h.waitForState(t, StateInitializingData)
	h.release(t, "initialize-data", nil)
	h.waitForState(t, StateRunningQueries)

	h.orc.Dispatch(AddNodeMutation{Mutation: mutation("a")})
	h.orc.Dispatch(AddNodeMutation{Mutation: mutation("b")})
	h.orc.Dispatch(AddNodeMutation{Mutation: mutation("c")})
	view := h.orc.Inspect()
	if len(view.NodeMutationBatch) != 3 {
		t.Fatalf("expected 3 batched mutations, got %d", len(view.NodeMutationBatch))
	}
	for i, want := range []string{"a", "b", "c"} {
		if view.NodeMutationBatch[i].Node.ID != want {
			t.Fatalf("batch out of order at %d: %+v", i, view.NodeMutationBatch)
		}
	}
	if len(h.svc.store.appliedIDs()) != 0 {
		t.Fatalf("batched mutations must not be forwarded while queries run")
	}
}

func TestSourceFileChangedLatchesDirtyFlagOnly(t *testing.T) {
	h := newHarness(t)
	h.release(t, "initialize", nil)
	h.waitForState(t, StateInitializingData)

	h.orc.Dispatch(SourceFileChanged{Path: "src/app.js"})
	view := h.orc.Inspect()
	if !view.SourceFilesDirty {
		t.Fatalf("expected dirty flag latched")
	}
	if view.State != StateInitializingData {
		t.Fatalf("file change must not advance state, got %s", view.State)
	}
	if len(h.svc.store.appliedIDs()) != 0 || h.svc.reloadCount() != 0 {
		t.Fatalf("file change must have no other effect")
	}
}

func TestWebhookStoresPayloadAndTriggersReload(t *testing.T) {
	h := newHarness(t)
	h.release(t, "initialize", nil)
	h.waitForState(t, StateInitializingData)

	payload := WebhookBody{ID: "wh-1", Payload: json.RawMessage(`{"refresh":true}`)}
	h.orc.Dispatch(WebhookReceived{Body: payload})
	h.waitForCalls(t, "reload-data", 1)

	view := h.orc.Inspect()
	if view.WebhookBody == nil || view.WebhookBody.ID != "wh-1" {
		t.Fatalf("payload not latched: %+v", view.WebhookBody)
	}
	if view.State != StateInitializingData {
		t.Fatalf("reload must run independently of the state progression")
	}

	// A payload arriving mid-reload overwrites the body without queueing a
	// second reload.
	h.orc.Dispatch(WebhookReceived{Body: WebhookBody{ID: "wh-2"}})
	view = h.orc.Inspect()
	if view.WebhookBody == nil || view.WebhookBody.ID != "wh-2" {
		t.Fatalf("expected payload overwrite, got %+v", view.WebhookBody)
	}
	if got := h.svc.callCount("reload-data"); got != 1 {
		t.Fatalf("expected a single in-flight reload, got %d", got)
	}
	h.release(t, "reload-data", nil)
}

func TestLeavingRunningQueriesWithoutCompilerStartsBundler(t *testing.T) {
	h := newHarness(t)
	h.release(t, "initialize", nil)
	h.waitForState(t, StateInitializingData)
	h.release(t, "initialize-data", nil)
	h.waitForState(t, StateRunningQueries)

	h.orc.Dispatch(AddNodeMutation{Mutation: mutation("queued")})
	h.release(t, "run-queries", nil)
	view := h.waitForState(t, StateStartingBundler)

	if h.svc.callCount("start-bundler") != 1 || h.svc.callCount("recompile") != 0 {
		t.Fatalf("expected bundler cold start only: %+v", h.svc.calls)
	}
	if len(view.NodeMutationBatch) != 0 {
		t.Fatalf("batch must flush on leaving running-queries")
	}
	if got := h.svc.store.appliedIDs(); len(got) != 1 || got[0] != "queued" {
		t.Fatalf("queued mutation not applied on flush: %+v", got)
	}
}

func TestLeavingRunningQueriesDirtyRecompiles(t *testing.T) {
	h := newHarness(t)
	h.advanceToWaiting(t)

	h.orc.Dispatch(SourceFileChanged{Path: "src/app.js"})
	h.orc.Dispatch(ExtractQueriesNow{})
	h.waitForState(t, StateRunningQueries)
	h.release(t, "run-queries", nil)
	view := h.waitForState(t, StateRecompiling)

	if h.svc.callCount("recompile") != 1 {
		t.Fatalf("expected recompile: %+v", h.svc.calls)
	}
	if h.svc.callCount("start-bundler") != 1 {
		t.Fatalf("cold start must not repeat once the compiler exists")
	}
	if !view.SourceFilesDirty {
		t.Fatalf("dirty flag clears only when the bundle completes")
	}
	h.release(t, "recompile", nil)
	view = h.waitForState(t, StateWaiting)
	if view.SourceFilesDirty {
		t.Fatalf("dirty flag should clear after a successful recompile")
	}
}

func TestSourceChangeDuringRecompileIsNotLost(t *testing.T) {
	h := newHarness(t)
	h.advanceToWaiting(t)

	h.orc.Dispatch(SourceFileChanged{Path: "src/app.js"})
	h.orc.Dispatch(ExtractQueriesNow{})
	h.waitForState(t, StateRunningQueries)
	h.release(t, "run-queries", nil)
	h.waitForState(t, StateRecompiling)

	// Another edit lands while the rebuild is in flight. Its forced query
	// run is ignored outside waiting, so the completion must carry it.
	h.orc.Dispatch(SourceFileChanged{Path: "src/app.js"})
	h.release(t, "recompile", nil)

	view := h.waitForState(t, StateRunningQueries)
	if !view.SourceFilesDirty {
		t.Fatalf("dirty flag must survive a bundle that predates the edit")
	}
	h.release(t, "run-queries", nil)
	h.waitForState(t, StateRecompiling)
	h.release(t, "recompile", nil)
	view = h.waitForState(t, StateWaiting)
	if view.SourceFilesDirty {
		t.Fatalf("dirty flag should clear once the edit is bundled")
	}
	if got := h.svc.callCount("recompile"); got != 2 {
		t.Fatalf("expected a second recompile for the mid-bundle edit, got %d", got)
	}
}

func TestLeavingRunningQueriesCleanSkipsCompilation(t *testing.T) {
	h := newHarness(t)
	h.advanceToWaiting(t)

	h.orc.Dispatch(ExtractQueriesNow{})
	h.waitForState(t, StateRunningQueries)
	h.release(t, "run-queries", nil)
	h.waitForState(t, StateWaiting)

	if h.svc.callCount("recompile") != 0 {
		t.Fatalf("clean session must not recompile")
	}
	if h.svc.callCount("start-bundler") != 1 {
		t.Fatalf("clean session must not cold start again")
	}
}

func TestWaitingCompletionRecreatesPagesOncePerCompletion(t *testing.T) {
	h := newHarness(t)
	h.advanceToWaiting(t)

	for cycle := 1; cycle <= 2; cycle++ {
		h.release(t, "wait-for-mutations", nil)
		h.waitForState(t, StateRecreatingPages)
		if got := h.svc.callCount("recreate-pages"); got != cycle {
			t.Fatalf("cycle %d: expected %d recreate-pages calls, got %d", cycle, cycle, got)
		}
		h.release(t, "recreate-pages", nil)
		h.waitForState(t, StateWaiting)
	}
}

func TestExtractQueriesNowShortCircuitsWaiting(t *testing.T) {
	h := newHarness(t)
	h.advanceToWaiting(t)

	queryRuns := h.svc.callCount("run-queries")
	h.orc.Dispatch(ExtractQueriesNow{})
	h.waitForState(t, StateRunningQueries)
	h.waitForCalls(t, "run-queries", queryRuns+1)
}

func TestExtractQueriesNowIgnoredOutsideWaiting(t *testing.T) {
	h := newHarness(t)
	h.release(t, "initialize", nil)
	h.waitForState(t, StateInitializingData)

	h.orc.Dispatch(ExtractQueriesNow{})
	view := h.orc.Inspect()
	if view.State != StateInitializingData {
		t.Fatalf("extract-queries-now must be a no-op outside waiting, got %s", view.State)
	}
}

func TestStaleCompletionIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.svc.mu.Lock()
	h.svc.ignoreCtx["wait-for-mutations"] = true
	h.svc.mu.Unlock()
	h.advanceToWaiting(t)

	// Leave waiting; the old wait invocation keeps running because the stub
	// ignores cancellation for it.
	h.orc.Dispatch(ExtractQueriesNow{})
	h.waitForState(t, StateRunningQueries)

	// The superseded invocation completes late; its result must be ignored.
	h.release(t, "wait-for-mutations", nil)
	time.Sleep(20 * time.Millisecond)
	view := h.orc.Inspect()
	if view.State != StateRunningQueries {
		t.Fatalf("stale completion advanced the machine to %s", view.State)
	}
}

func TestServiceFailureStallsState(t *testing.T) {
	h := newHarness(t)
	h.release(t, "initialize", nil)
	h.waitForState(t, StateInitializingData)
	h.release(t, "initialize-data", nil)
	h.waitForState(t, StateRunningQueries)

	h.release(t, "run-queries", errors.New("resolver exploded"))
	deadline := time.Now().Add(testTimeout)
	for {
		view := h.orc.Inspect()
		if view.LastError != "" {
			if view.State != StateRunningQueries {
				t.Fatalf("failure must stall, not advance; got %s", view.State)
			}
			if view.ServiceInFlight {
				t.Fatalf("no service may remain in flight after failure")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("failure never surfaced")
		}
		time.Sleep(time.Millisecond)
	}
	if h.svc.callCount("run-queries") != 1 {
		t.Fatalf("query failure must not be retried automatically")
	}
}

func TestCompileFailureLeavesFlagsForRetry(t *testing.T) {
	h := newHarness(t)
	h.advanceToWaiting(t)

	h.orc.Dispatch(SourceFileChanged{Path: "src/app.js"})
	h.orc.Dispatch(ExtractQueriesNow{})
	h.waitForState(t, StateRunningQueries)
	h.release(t, "run-queries", nil)
	h.waitForState(t, StateRecompiling)
	h.release(t, "recompile", errors.New("syntax error"))

	deadline := time.Now().Add(testTimeout)
	for {
		view := h.orc.Inspect()
		if view.LastError != "" {
			if !view.SourceFilesDirty {
				t.Fatalf("dirty flag must survive a failed compile")
			}
			if !view.CompilerSet {
				t.Fatalf("compiler handle must survive a failed compile")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("compile failure never surfaced")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEndToEndColdStartScenario(t *testing.T) {
	h := newHarness(t)
	h.release(t, "initialize", nil)
	h.waitForState(t, StateInitializingData)

	// One mutation sent mid initialize-data is forwarded immediately.
	h.orc.Dispatch(AddNodeMutation{Mutation: mutation("foo")})
	h.release(t, "initialize-data", nil)
	h.waitForState(t, StateRunningQueries)

	// One more sent while queries run lands in the batch.
	h.orc.Dispatch(AddNodeMutation{Mutation: mutation("bar")})
	view := h.orc.Inspect()
	if len(view.NodeMutationBatch) != 1 || view.NodeMutationBatch[0].Node.ID != "bar" {
		t.Fatalf("unexpected batch: %+v", view.NodeMutationBatch)
	}

	h.release(t, "run-queries", nil)
	view = h.waitForState(t, StateStartingBundler)
	if h.svc.callCount("start-bundler") != 1 {
		t.Fatalf("expected bundler cold start")
	}
	if len(view.NodeMutationBatch) != 0 {
		t.Fatalf("batch must be cleared")
	}
	if got := h.svc.store.appliedIDs(); len(got) != 2 || got[0] != "foo" || got[1] != "bar" {
		t.Fatalf("unexpected applied order: %+v", got)
	}
}

func TestSnapshotPersistedAndMarkedCleanOnStop(t *testing.T) {
	repo := NewSnapshotRepository(t.TempDir())
	svc := newStubServices()
	orc, err := New(svc, WithSessionID("sess-snap"), WithSnapshots(repo))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	orc.Start(context.Background())
	h := &harness{orc: orc, svc: svc}
	h.release(t, "initialize", nil)
	h.waitForState(t, StateInitializingData)

	snap, err := repo.Load()
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if snap.SessionID != "sess-snap" || snap.State != StateInitializingData || snap.Clean {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	orc.Stop()
	snap, err = repo.Load()
	if err != nil {
		t.Fatalf("load snapshot after stop: %v", err)
	}
	if !snap.Clean {
		t.Fatalf("stop must mark the snapshot clean: %+v", snap)
	}
}

func TestStatusUpdatesReflectTransitions(t *testing.T) {
	h := newHarness(t)
	h.release(t, "initialize", nil)
	h.waitForState(t, StateInitializingData)

	deadline := time.After(testTimeout)
	for {
		select {
		case update := <-h.orc.StatusUpdates():
			if update.State == StateInitializingData {
				if update.SessionID != "sess-test" {
					t.Fatalf("unexpected session id %q", update.SessionID)
				}
				return
			}
		case <-deadline:
			t.Fatalf("never observed initializing-data status")
		}
	}
}

func TestDispatchDropsUnderOverloadWithoutBlocking(t *testing.T) {
	svc := newStubServices()
	orc, err := New(svc, WithQueueSize(1))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	// Never started: the queue fills and Dispatch must return regardless.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			orc.Dispatch(SourceFileChanged{Path: fmt.Sprintf("src/%d.js", i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatalf("dispatch blocked under overload")
	}
}
