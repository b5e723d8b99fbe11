package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/insightmesh/core"
	"github.com/hupe1980/insightmesh/logging"
	"github.com/hupe1980/insightmesh/memory"
	"github.com/hupe1980/insightmesh/plan"
	"github.com/hupe1980/insightmesh/session"
)

// Mailbox is the name the engine receives messages under.
const Mailbox = "orchestrator"

var (
	// ErrNotStarted is returned by Submit before Start.
	ErrNotStarted = errors.New("engine not started")
	// ErrNoPlanner is returned by New without a Planner.
	ErrNoPlanner = errors.New("engine requires a planner")
)

// Phase is the orchestrator state of a request.
type Phase string

const (
	PhaseReceived    Phase = "received"
	PhasePlanning    Phase = "planning"
	PhaseDispatching Phase = "dispatching"
	PhaseAwaiting    Phase = "awaiting"
	PhaseFinalizing  Phase = "finalizing"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
)

// Planner turns a validated request into a plan. Requests the planner cannot
// serve should be rejected with a *core.ValidationError.
type Planner func(req core.Request) (*plan.Plan, error)

// Transport is the message fabric the engine runs on.
type Transport interface {
	core.Transport
	Register(name string, r core.Receiver) error
	Unregister(name string) bool
}

// SessionStore is the subset of the session store the engine needs.
type SessionStore interface {
	CreateSession(ctx context.Context, req core.Request) (*core.Session, error)
	UpdateSession(ctx context.Context, id string, p session.Patch) (*core.Session, error)
	GetSession(ctx context.Context, id string) (*core.Session, error)
}

// Routable is an agent the engine can dispatch tasks to.
type Routable interface {
	Name() string
	Capabilities() []string
}

// Observer receives orchestration events.
type Observer interface {
	TaskDispatched(capability string)
	TaskFinished(capability string, ok bool)
	RequestFinished(status core.SessionStatus, duration time.Duration)
}

// Insightful is implemented by task outputs that carry findings.
type Insightful interface {
	InsightCount() int
}

// Options configures an Engine.
type Options struct {
	Planner  Planner
	Memory   core.WorkingMemory
	Logger   logging.Logger
	Observer Observer
	Clock    func() time.Time

	// MaxRunning bounds how long a request stays in working memory. A request
	// older than this is finalized as failed on the next orchestrator event.
	// Zero disables the bound.
	MaxRunning time.Duration
}

// Engine is the orchestrator. Submit is safe for concurrent use; everything
// else runs on the orchestrator mailbox.
type Engine struct {
	transport Transport
	store     SessionStore
	planner   Planner
	memory    core.WorkingMemory
	logger    logging.Logger
	observer  Observer
	clock     func() time.Time

	maxRunning time.Duration

	mu      sync.RWMutex
	routes  map[string]string
	started bool

	// pending maps a dispatched task message id to its record. Only the
	// mailbox goroutine touches it.
	pending map[string]dispatch
}

type dispatch struct {
	requestID  string
	taskID     string
	capability string
}

// run is the working-memory entry of one request.
type run struct {
	requestID string
	sessionID string
	requester string
	submitID  string
	goal      string
	plan      *plan.Plan
	phase     Phase
	started   time.Time
	inflight  map[string]bool
}

// failure describes why a request failed.
type failure struct {
	taskID string
	reason string
}

// New creates an engine over transport and store.
func New(transport Transport, store SessionStore, optFns ...func(o *Options)) (*Engine, error) {
	opts := Options{
		Clock: time.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if transport == nil || store == nil {
		return nil, fmt.Errorf("engine requires a transport and a session store")
	}

	if opts.Planner == nil {
		return nil, ErrNoPlanner
	}

	if opts.Memory == nil {
		opts.Memory = memory.NewInMemoryStore()
	}

	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	if opts.MaxRunning < 0 {
		return nil, fmt.Errorf("max running must not be negative, got %s", opts.MaxRunning)
	}

	return &Engine{
		transport:  transport,
		store:      store,
		planner:    opts.Planner,
		memory:     opts.Memory,
		logger:     logging.OrNoOp(opts.Logger),
		observer:   opts.Observer,
		clock:      opts.Clock,
		maxRunning: opts.MaxRunning,
		routes:     map[string]string{},
		pending:    map[string]dispatch{},
	}, nil
}

// Register routes every capability of a to its mailbox. A capability already
// served by another agent is rejected.
func (e *Engine) Register(a Routable) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range a.Capabilities() {
		if owner, ok := e.routes[c]; ok && owner != a.Name() {
			return fmt.Errorf("capability %s already served by %s", c, owner)
		}
	}

	for _, c := range a.Capabilities() {
		e.routes[c] = a.Name()
	}

	e.logger.Debug("engine.agent.registered", "agent", a.Name(), "capabilities", a.Capabilities())

	return nil
}

// Routes returns the capability to agent mapping.
func (e *Engine) Routes() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]string, len(e.routes))
	for k, v := range e.routes {
		out[k] = v
	}

	return out
}

// Start opens the orchestrator mailbox.
func (e *Engine) Start(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}

	if err := e.transport.Register(Mailbox, e); err != nil {
		return err
	}

	e.started = true
	e.logger.Info("engine.started", "mailbox", Mailbox)

	return nil
}

// Stop closes the orchestrator mailbox. Requests still in flight stay
// running in the session store until the watchdog fails them.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return
	}

	e.transport.Unregister(Mailbox)
	e.started = false

	e.logger.Info("engine.stopped", "inflight", len(e.memory.Keys()))
}

// InFlight returns the ids of requests that have not been finalized.
func (e *Engine) InFlight() []string {
	return e.memory.Keys()
}

// Submit accepts req and returns the id of its session. The terminal
// FinalPayload is sent to the requester mailbox; an empty requester skips
// it. Malformed requests fail with a *core.ValidationError before any
// session exists.
func (e *Engine) Submit(ctx context.Context, requester string, req core.Request) (string, error) {
	e.mu.RLock()
	started := e.started
	e.mu.RUnlock()

	if !started {
		return "", ErrNotStarted
	}

	if err := req.Validate(); err != nil {
		return "", err
	}

	p, err := e.planner(req)
	if err != nil {
		return "", err
	}

	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("invalid plan: %w", err)
	}

	sess, err := e.store.CreateSession(ctx, req)
	if err != nil {
		return "", err
	}

	_, total := p.Progress()

	r := &run{
		requestID: uuid.NewString(),
		sessionID: sess.ID,
		requester: requester,
		goal:      p.Goal().Name,
		plan:      p,
		phase:     PhasePlanning,
		started:   e.clock(),
		inflight:  map[string]bool{},
	}

	e.setPhase(ctx, r, PhasePlanning, map[string]any{
		"request_id":  r.requestID,
		"goal":        r.goal,
		"tasks_total": total,
	})

	msg, err := core.NewMessage(requesterOr(requester), Mailbox, core.IntentSubmitRequest, core.SubmitPayload{
		RequestID: r.requestID,
		SessionID: sess.ID,
		Request:   req,
	}, core.WithReplyTo(requester))
	if err == nil {
		r.submitID = msg.ID
		e.memory.Put(r.requestID, r)
		err = e.transport.Send(ctx, msg)
	}

	if err != nil {
		e.memory.Delete(r.requestID)
		_, _ = e.store.UpdateSession(ctx, sess.ID, session.Patch{
			Status:   core.StatusFailed,
			Metadata: map[string]any{"phase": string(PhaseFailed), "error": err.Error()},
		})
		return "", fmt.Errorf("submit request: %w", err)
	}

	e.logger.Info("engine.request.accepted",
		"request_id", r.requestID,
		"session_id", sess.ID,
		"goal", r.goal,
		"tasks", total,
	)

	return sess.ID, nil
}

// Receive implements core.Receiver for the orchestrator mailbox.
func (e *Engine) Receive(ctx context.Context, msg core.Message) {
	e.expire(ctx)

	switch p := msg.Content.(type) {
	case core.SubmitPayload:
		e.handleSubmit(ctx, p)
	case core.TaskResultPayload:
		e.handleCompletion(ctx, msg, p.Output, nil)
	case core.TaskFailurePayload:
		e.handleCompletion(ctx, msg, nil, &core.ToolExecutionError{Code: p.Code, Message: p.Error})
	default:
		e.logger.Warn("engine.message.unhandled", "intent", msg.Intent.String(), "message_id", msg.ID)
	}
}

func (e *Engine) handleSubmit(ctx context.Context, p core.SubmitPayload) {
	r, ok := e.lookup(p.RequestID)
	if !ok {
		e.logger.Debug("engine.submit.unknown", "request_id", p.RequestID)
		return
	}

	if r.phase != PhasePlanning {
		e.logger.Debug("engine.submit.duplicate", "request_id", p.RequestID)
		return
	}

	e.advance(ctx, r)
}

func (e *Engine) handleCompletion(ctx context.Context, msg core.Message, output any, toolErr *core.ToolExecutionError) {
	d, ok := e.pending[msg.CorrelationID]
	if !ok {
		e.logger.Debug("engine.completion.unmatched",
			"message_id", msg.ID,
			"correlation_id", msg.CorrelationID,
			"intent", msg.Intent.String(),
		)
		return
	}

	delete(e.pending, msg.CorrelationID)

	r, ok := e.lookup(d.requestID)
	if !ok {
		return
	}

	delete(r.inflight, msg.CorrelationID)

	if toolErr != nil {
		toolErr.Tool = d.capability

		if err := r.plan.FailTask(d.taskID, toolErr); err != nil {
			e.logger.Debug("engine.completion.ignored", "task_id", d.taskID, "error", err.Error())
			return
		}

		e.notifyTask(d.capability, false)
		e.logger.Warn("engine.task.failed", "request_id", r.requestID, "task_id", d.taskID, "error", toolErr.Error())

		e.finalize(ctx, r, &failure{taskID: d.taskID, reason: (&core.TaskFailure{TaskID: d.taskID, Err: toolErr}).Error()})

		return
	}

	unlocked, err := r.plan.CompleteTask(d.taskID, output)
	if err != nil {
		e.logger.Debug("engine.completion.ignored", "task_id", d.taskID, "error", err.Error())
		return
	}

	e.notifyTask(d.capability, true)

	completed, total := r.plan.Progress()

	_, err = e.store.UpdateSession(ctx, r.sessionID, session.Patch{
		Result:   map[string]any{d.taskID: output},
		Metadata: map[string]any{"tasks_completed": completed, "tasks_total": total},
	})

	switch {
	case errors.Is(err, session.ErrTerminal):
		e.finalize(ctx, r, e.terminalFailure(ctx, r))
		return
	case err != nil:
		e.logger.Warn("engine.session.update_failed", "session_id", r.sessionID, "error", err.Error())
	}

	e.logger.Debug("engine.task.completed",
		"request_id", r.requestID,
		"task_id", d.taskID,
		"unlocked", unlocked,
		"progress", fmt.Sprintf("%d/%d", completed, total),
	)

	e.advance(ctx, r)
}

// advance dispatches every runnable task and finalizes a finished plan.
func (e *Engine) advance(ctx context.Context, r *run) {
	if !r.plan.Done() {
		runnable := r.plan.NextRunnable()

		if len(runnable) > 0 {
			e.setPhase(ctx, r, PhaseDispatching, nil)
		}

		for _, t := range runnable {
			if r.plan.Status() == plan.StatusFailed {
				break
			}
			e.dispatch(ctx, r, t)
		}
	}

	if r.plan.Done() {
		var f *failure
		if r.plan.Status() == plan.StatusFailed {
			f = planFailure(r.plan)
		}
		e.finalize(ctx, r, f)
		return
	}

	if len(r.inflight) == 0 {
		e.finalize(ctx, r, &failure{reason: "plan stalled with no runnable tasks"})
		return
	}

	if r.phase != PhaseAwaiting {
		e.setPhase(ctx, r, PhaseAwaiting, nil)
	}
}

func (e *Engine) dispatch(ctx context.Context, r *run, t plan.Task) {
	e.mu.RLock()
	agentName, ok := e.routes[t.Capability]
	e.mu.RUnlock()

	if !ok {
		e.failDispatch(r, t, fmt.Errorf("no agent serves capability %s", t.Capability))
		return
	}

	if err := r.plan.MarkRunning(t.ID); err != nil {
		e.logger.Error("engine.dispatch.rejected", "task_id", t.ID, "error", err.Error())
		return
	}

	msg, err := core.NewMessage(Mailbox, agentName, core.IntentExecuteTask, core.TaskPayload{
		RequestID:  r.requestID,
		SessionID:  r.sessionID,
		TaskID:     t.ID,
		Capability: t.Capability,
		Args:       t.Args,
		Inputs:     r.plan.Inputs(t.ID),
	}, core.WithReplyTo(Mailbox))
	if err == nil {
		e.pending[msg.ID] = dispatch{requestID: r.requestID, taskID: t.ID, capability: t.Capability}
		r.inflight[msg.ID] = true
		err = e.transport.Send(ctx, msg)
	}

	if err != nil {
		delete(e.pending, msg.ID)
		delete(r.inflight, msg.ID)
		e.failDispatch(r, t, err)
		return
	}

	if e.observer != nil {
		e.observer.TaskDispatched(t.Capability)
	}

	e.logger.Debug("engine.dispatch",
		"request_id", r.requestID,
		"task_id", t.ID,
		"agent", agentName,
		"message_id", msg.ID,
	)
}

func (e *Engine) failDispatch(r *run, t plan.Task, cause error) {
	if err := r.plan.FailTask(t.ID, cause); err != nil {
		e.logger.Error("engine.dispatch.fail_rejected", "task_id", t.ID, "error", err.Error())
		return
	}

	e.notifyTask(t.Capability, false)
	e.logger.Warn("engine.dispatch.failed", "request_id", r.requestID, "task_id", t.ID, "error", cause.Error())
}

// finalize records the terminal session state, clears the working memory
// and sends the single terminal message. f is nil for a completed plan.
func (e *Engine) finalize(ctx context.Context, r *run, f *failure) {
	if r.phase == PhaseCompleted || r.phase == PhaseFailed {
		return
	}

	e.setPhase(ctx, r, PhaseFinalizing, nil)

	completed, total := r.plan.Progress()
	outputs := r.plan.Outputs()
	elapsed := e.clock().Sub(r.started)

	status, phase := core.StatusCompleted, PhaseCompleted
	if f != nil {
		status, phase = core.StatusFailed, PhaseFailed
	}

	meta := map[string]any{
		"phase":           string(phase),
		"insights":        CountInsights(outputs),
		"tasks_completed": completed,
		"tasks_total":     total,
		"duration_ms":     elapsed.Milliseconds(),
	}

	if f != nil {
		meta["error"] = f.reason
		if f.taskID != "" {
			meta["failed_task"] = f.taskID
		}
	}

	_, err := e.store.UpdateSession(ctx, r.sessionID, session.Patch{Status: status, Metadata: meta})
	if errors.Is(err, session.ErrTerminal) && f == nil {
		// The watchdog failed the session while the last task ran.
		f = e.terminalFailure(ctx, r)
		status, phase = core.StatusFailed, PhaseFailed
		meta["phase"] = string(phase)
		meta["error"] = f.reason
		_, err = e.store.UpdateSession(ctx, r.sessionID, session.Patch{Metadata: meta})
	} else if errors.Is(err, session.ErrTerminal) {
		delete(meta, "error")
		_, err = e.store.UpdateSession(ctx, r.sessionID, session.Patch{Metadata: meta})
	}

	if err != nil {
		e.logger.Warn("engine.session.finalize_failed", "session_id", r.sessionID, "error", err.Error())
	}

	r.phase = phase

	e.memory.Delete(r.requestID)
	for id := range r.inflight {
		delete(e.pending, id)
	}

	final := core.FinalPayload{
		RequestID: r.requestID,
		SessionID: r.sessionID,
		Succeeded: f == nil,
		Result:    outputs,
	}
	if f != nil {
		final.Error = f.reason
	}

	if r.requester != "" {
		msg, err := core.NewMessage(Mailbox, r.requester, final.Intent(), final, core.WithCorrelationID(r.submitID))
		if err == nil {
			err = e.transport.Send(ctx, msg)
		}
		if err != nil {
			e.logger.Error("engine.final.send_failed", "request_id", r.requestID, "requester", r.requester, "error", err.Error())
		}
	}

	if e.observer != nil {
		e.observer.RequestFinished(status, elapsed)
	}

	var planErr error
	if f != nil {
		planErr = errors.New(f.reason)
	}

	if ml, ok := e.logger.(*logging.MeshLogger); ok {
		ml.LogPlanExecution(r.goal, total, elapsed, f == nil, planErr)
	} else {
		e.logger.Info("engine.request.finished",
			"request_id", r.requestID,
			"session_id", r.sessionID,
			"status", string(status),
			"duration_ms", elapsed.Milliseconds(),
		)
	}
}

// expire finalizes every request that outlived maxRunning. A worker that
// never answers would otherwise keep its request in working memory forever.
func (e *Engine) expire(ctx context.Context) {
	if e.maxRunning <= 0 {
		return
	}

	now := e.clock()

	for _, id := range e.memory.Keys() {
		r, ok := e.lookup(id)
		if !ok || now.Sub(r.started) <= e.maxRunning {
			continue
		}

		e.logger.Warn("engine.request.expired",
			"request_id", r.requestID,
			"session_id", r.sessionID,
			"limit", e.maxRunning.String(),
		)

		f := &failure{reason: (&core.SessionTimeout{SessionID: r.sessionID, Limit: e.maxRunning}).Error()}
		if sess, err := e.store.GetSession(ctx, r.sessionID); err == nil && sess.Terminal() {
			f = e.terminalFailure(ctx, r)
		}

		e.finalize(ctx, r, f)
	}
}

// terminalFailure reads the reason a session was failed outside the engine.
func (e *Engine) terminalFailure(ctx context.Context, r *run) *failure {
	f := &failure{reason: "session reached a terminal state"}

	sess, err := e.store.GetSession(ctx, r.sessionID)
	if err != nil {
		return f
	}

	if reason, ok := sess.Metadata["error"].(string); ok && reason != "" {
		f.reason = reason
	}

	return f
}

func (e *Engine) setPhase(ctx context.Context, r *run, phase Phase, extra map[string]any) {
	r.phase = phase

	meta := map[string]any{"phase": string(phase)}
	for k, v := range extra {
		meta[k] = v
	}

	if _, err := e.store.UpdateSession(ctx, r.sessionID, session.Patch{Metadata: meta}); err != nil {
		e.logger.Warn("engine.session.phase_failed", "session_id", r.sessionID, "phase", string(phase), "error", err.Error())
	}
}

func (e *Engine) lookup(requestID string) (*run, bool) {
	v, ok := e.memory.Get(requestID)
	if !ok {
		return nil, false
	}
	r, ok := v.(*run)
	return r, ok
}

func (e *Engine) notifyTask(capability string, ok bool) {
	if e.observer != nil {
		e.observer.TaskFinished(capability, ok)
	}
}

// planFailure describes the first failed leaf task of p.
func planFailure(p *plan.Plan) *failure {
	var tf *core.TaskFailure
	if errors.As(p.Err(), &tf) {
		return &failure{taskID: tf.TaskID, reason: tf.Error()}
	}
	return &failure{reason: "plan failed"}
}

// CountInsights sums InsightCount over every output implementing Insightful.
func CountInsights(outputs map[string]any) int {
	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	n := 0
	for _, id := range ids {
		if in, ok := outputs[id].(Insightful); ok {
			n += in.InsightCount()
		}
	}

	return n
}

func requesterOr(requester string) string {
	if requester == "" {
		return "anonymous"
	}
	return requester
}
