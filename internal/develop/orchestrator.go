package develop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strataforge/strata/internal/journal"
	"github.com/strataforge/strata/internal/store"
)

const defaultQueueSize = 256

// invocation identifies the single service call a state owns while active.
type invocation struct {
	id     uint64
	state  State
	cancel context.CancelFunc
}

// Orchestrator is the finite-state control loop of a develop session. One
// goroutine owns all mutable fields below the queue; external callers interact
// only through Start, Dispatch, Inspect, StatusUpdates, and Stop.
type Orchestrator struct {
	svc       Services
	logger    Logger
	journal   *journal.Journal
	snapshots SnapshotStore
	sessionID string
	queueSize int
	now       func() time.Time

	events chan Event
	status chan Status

	rootCtx    context.Context
	rootCancel context.CancelFunc
	done       chan struct{}
	span       *journal.Span
	startOnce  sync.Once
	stopOnce   sync.Once

	// Loop-owned state. Only the run goroutine reads or writes these.
	state          State
	sess           *SessionContext
	invocationSeq  uint64
	dirtySeq       uint64
	active         *invocation
	reloadInFlight bool
	lastError      error
}

// Option customizes an Orchestrator during construction.
type Option func(*Orchestrator)

// WithLogger injects a diagnostics logger.
func WithLogger(logger Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithJournal attaches the session journal; the orchestrator opens a span on
// start and finalizes it on stop.
func WithJournal(j *journal.Journal) Option {
	return func(o *Orchestrator) {
		o.journal = j
	}
}

// WithSnapshots attaches the crash-recovery snapshot store.
func WithSnapshots(s SnapshotStore) Option {
	return func(o *Orchestrator) {
		o.snapshots = s
	}
}

// WithSessionID overrides the generated session id (tests).
func WithSessionID(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.sessionID = id
		}
	}
}

// WithQueueSize overrides the inbound queue capacity.
func WithQueueSize(size int) Option {
	return func(o *Orchestrator) {
		if size > 0 {
			o.queueSize = size
		}
	}
}

// WithClock overrides the clock used for status timestamps (tests).
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.now = clock
		}
	}
}

// New constructs an orchestrator bound to the given services. The session does
// not run until Start is called.
func New(svc Services, opts ...Option) (*Orchestrator, error) {
	if svc == nil {
		return nil, fmt.Errorf("develop: services are required")
	}
	o := &Orchestrator{
		svc:       svc,
		logger:    nopLogger{},
		sessionID: uuid.NewString(),
		queueSize: defaultQueueSize,
		now:       time.Now,
		done:      make(chan struct{}),
		sess:      &SessionContext{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.events = make(chan Event, o.queueSize)
	o.status = make(chan Status, 64)
	return o, nil
}

// SessionID returns the id this session journals and snapshots under.
func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

// Start enters the initializing state and begins processing events. The
// orchestrator is in StateInitializing before any service completes.
func (o *Orchestrator) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		o.rootCtx, o.rootCancel = context.WithCancel(ctx)
		o.span = o.journal.StartSpan(o.sessionID)
		o.state = StateInitializing
		o.startService(StateInitializing)
		o.persistSnapshot(false)
		o.publishStatus()
		go o.run()
	})
}

// Stop cancels the session, waits for the loop to drain, finalizes the
// journal span, and writes a clean shutdown snapshot.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		if o.rootCancel == nil {
			close(o.done)
			return
		}
		o.rootCancel()
		<-o.done
		o.span.End(o.lastError)
		o.persistSnapshot(true)
	})
}

// Done is closed once the event loop has exited.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Dispatch posts an inbound event. Events are processed one at a time in
// arrival order; the effect of an event depends on the state at the moment it
// is processed, not the moment it was sent. Under overload the event is
// dropped with a warning so drivers never block.
func (o *Orchestrator) Dispatch(ev Event) {
	if ev == nil {
		return
	}
	select {
	case o.events <- ev:
	default:
		o.logger.Printf("develop: queue full; dropping %T", ev)
	}
}

// Inspect returns a copy of the observable session context. The request rides
// the ordered queue, so the view reflects every event dispatched before it.
func (o *Orchestrator) Inspect() ContextView {
	reply := make(chan ContextView, 1)
	select {
	case o.events <- inspectRequest{reply: reply}:
	case <-o.done:
		return ContextView{State: o.state}
	}
	select {
	case view := <-reply:
		return view
	case <-o.done:
		return ContextView{State: o.state}
	}
}

// StatusUpdates exposes the session status stream consumed by the TUI. The
// channel conflates under a slow reader; only the latest states matter.
func (o *Orchestrator) StatusUpdates() <-chan Status {
	return o.status
}

// post delivers an internal completion. Unlike Dispatch it must not drop:
// losing a completion would wedge the machine. It blocks until the loop
// accepts the event or the session ends.
func (o *Orchestrator) post(ev Event) {
	select {
	case o.events <- ev:
	case <-o.rootCtx.Done():
	}
}

func (o *Orchestrator) run() {
	defer close(o.done)
	for {
		select {
		case <-o.rootCtx.Done():
			if o.active != nil {
				o.active.cancel()
				o.active = nil
			}
			return
		case ev := <-o.events:
			o.handleEvent(ev)
		}
	}
}

// handleEvent runs every action a single event triggers to completion before
// the next event is considered.
func (o *Orchestrator) handleEvent(ev Event) {
	switch ev := ev.(type) {
	case AddNodeMutation:
		o.handleMutation(ev.Mutation)
	case SourceFileChanged:
		o.sess.SourceFilesDirty = true
		o.dirtySeq++
		o.publishStatus()
	case WebhookReceived:
		o.handleWebhook(ev.Body)
	case ExtractQueriesNow:
		if o.state != StateWaiting {
			o.logger.Printf("develop: extract-queries-now ignored in %s", o.state)
			return
		}
		o.transition(StateRunningQueries)
	case serviceResult:
		o.handleServiceResult(ev)
	case reloadResult:
		o.reloadInFlight = false
		if ev.err != nil {
			o.lastError = ev.err
			o.journal.Error("data reload failed: %v", ev.err)
		} else {
			o.journal.Info("data reload complete")
		}
		o.publishStatus()
	case inspectRequest:
		ev.reply <- o.view()
	default:
		o.logger.Printf("develop: unknown event %T", ev)
	}
}

// handleMutation applies or queues one data change depending on the state.
// Query execution is a consistency window: while queries run, mutations are
// batched and flushed on the way out of that state.
func (o *Orchestrator) handleMutation(m store.Mutation) {
	if o.state == StateRunningQueries {
		o.sess.NodeMutationBatch = append(o.sess.NodeMutationBatch, m)
		o.publishStatus()
		return
	}
	if o.sess.Store == nil {
		// The store reference only exists after bootstrap completes.
		o.logger.Printf("develop: mutation for %s dropped before bootstrap", m.Node.ID)
		return
	}
	if err := o.sess.Store.ApplyMutation(m); err != nil {
		o.lastError = err
		o.journal.Error("apply mutation %s: %v", m.Node.ID, err)
	}
	// Conservative: any mutation applied outside a query run could invalidate
	// the previous results.
	o.sess.NodesMutatedDuringQueryRun = true
	o.publishStatus()
}

// handleWebhook latches the payload and triggers a data reload. The payload
// is overwritten rather than queued, and at most one reload runs at a time; a
// payload arriving mid-reload only replaces the stored body.
func (o *Orchestrator) handleWebhook(body WebhookBody) {
	o.sess.WebhookBody = &body
	if o.reloadInFlight {
		o.journal.Warn("webhook %s overwrote pending payload; reload already in flight", body.ID)
		return
	}
	if o.sess.Store == nil {
		o.journal.Warn("webhook %s received before bootstrap; reload skipped", body.ID)
		return
	}
	o.reloadInFlight = true
	o.journal.Info("webhook %s triggered data reload", body.ID)
	go func() {
		err := o.svc.ReloadData(o.rootCtx, body)
		o.post(reloadResult{err: err})
	}()
	o.publishStatus()
}

// handleServiceResult advances the machine when the completion belongs to the
// active invocation. Completions for superseded invocations are discarded.
func (o *Orchestrator) handleServiceResult(res serviceResult) {
	if o.active == nil || res.invocation != o.active.id {
		o.logger.Printf("develop: stray completion for %s invocation %d", res.state, res.invocation)
		return
	}
	o.active.cancel()
	o.active = nil

	if res.err != nil {
		// Stall in place: flags stay latched so a later cycle can retry, and
		// no recovery transition is guessed.
		o.lastError = res.err
		o.journal.Error("%s failed: %v", res.state, res.err)
		o.publishStatus()
		return
	}

	switch res.state {
	case StateInitializing:
		if res.boot != nil {
			o.sess.Store = res.boot.Store
			o.sess.WorkerPool = res.boot.Pool
		}
		o.transition(StateInitializingData)
	case StateInitializingData:
		o.transition(StateRunningQueries)
	case StateRunningQueries:
		o.flushMutationBatch()
		switch {
		case o.sess.Compiler == nil:
			o.transition(StateStartingBundler)
		case o.sess.SourceFilesDirty:
			o.transition(StateRecompiling)
		default:
			o.transition(StateWaiting)
		}
	case StateStartingBundler:
		o.sess.Compiler = res.compiler
		o.finishBundle(res)
	case StateRecompiling:
		o.finishBundle(res)
	case StateWaiting:
		o.transition(StateRecreatingPages)
	case StateRecreatingPages:
		o.transition(StateWaiting)
	default:
		o.logger.Printf("develop: completion for unknown state %s", res.state)
	}
}

// finishBundle follows a successful cold start or rebuild. The dirty latch
// clears only when no further source change arrived while the bundle was in
// flight; a change that did land keeps the latch and starts another query
// cycle immediately so the edit is not lost.
func (o *Orchestrator) finishBundle(res serviceResult) {
	if o.dirtySeq == res.dirtySeq {
		o.sess.SourceFilesDirty = false
		o.transition(StateWaiting)
		return
	}
	o.journal.Info("source changed mid-bundle; running another cycle")
	o.transition(StateWaiting)
	o.transition(StateRunningQueries)
}

// flushMutationBatch applies queued mutations in arrival order and clears the
// batch. It runs on every branch out of running-queries.
func (o *Orchestrator) flushMutationBatch() {
	if len(o.sess.NodeMutationBatch) == 0 {
		return
	}
	for _, m := range o.sess.NodeMutationBatch {
		if o.sess.Store == nil {
			break
		}
		if err := o.sess.Store.ApplyMutation(m); err != nil {
			o.lastError = err
			o.journal.Error("flush mutation %s: %v", m.Node.ID, err)
		}
	}
	o.sess.NodeMutationBatch = nil
	o.sess.NodesMutatedDuringQueryRun = true
}

// transition cancels the outgoing state's service, advances, and starts the
// next state's service.
func (o *Orchestrator) transition(next State) {
	if err := ValidateTransition(o.state, next); err != nil {
		// A table violation is a programming error; surface loudly but keep
		// the session alive in its current state.
		o.logger.Printf("develop: %v", err)
		return
	}
	if o.active != nil {
		o.active.cancel()
		o.active = nil
	}
	prev := o.state
	o.state = next
	if next == StateRunningQueries {
		// The run about to start observes every applied mutation.
		o.sess.NodesMutatedDuringQueryRun = false
	}
	o.journal.Info("state %s -> %s", prev, next)
	o.startService(next)
	o.persistSnapshot(false)
	o.publishStatus()
}

// startService launches the single asynchronous service the state owns.
func (o *Orchestrator) startService(state State) {
	o.invocationSeq++
	id := o.invocationSeq
	ctx, cancel := context.WithCancel(o.rootCtx)
	o.active = &invocation{id: id, state: state, cancel: cancel}
	compiler := o.sess.Compiler
	dirtySeq := o.dirtySeq
	go func() {
		res := serviceResult{invocation: id, state: state, dirtySeq: dirtySeq}
		switch state {
		case StateInitializing:
			boot, err := o.svc.Initialize(ctx)
			res.boot, res.err = &boot, err
		case StateInitializingData:
			res.err = o.svc.InitializeData(ctx)
		case StateRunningQueries:
			res.err = o.svc.RunQueries(ctx)
		case StateStartingBundler:
			res.compiler, res.err = o.svc.StartBundler(ctx)
		case StateRecompiling:
			res.err = o.svc.Recompile(ctx, compiler)
		case StateWaiting:
			res.err = o.svc.WaitForMutations(ctx)
		case StateRecreatingPages:
			res.err = o.svc.RecreatePages(ctx)
		default:
			res.err = fmt.Errorf("develop: no service bound to %s", state)
		}
		if errors.Is(res.err, context.Canceled) {
			// Cancellation is the superseded-invocation path; the loop would
			// discard the completion anyway once the id no longer matches.
			return
		}
		o.post(res)
	}()
}

func (o *Orchestrator) persistSnapshot(clean bool) {
	if o.snapshots == nil {
		return
	}
	snap := Snapshot{
		SessionID:        o.sessionID,
		State:            o.state,
		SourceFilesDirty: o.sess.SourceFilesDirty,
		NodesMutated:     o.sess.NodesMutatedDuringQueryRun,
		Clean:            clean,
		UpdatedAt:        o.now().UTC(),
	}
	if err := o.snapshots.Save(snap); err != nil {
		o.logger.Printf("develop: persist snapshot: %v", err)
	}
}
