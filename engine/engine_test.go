package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/insightmesh/agent"
	"github.com/hupe1980/insightmesh/bus"
	"github.com/hupe1980/insightmesh/core"
	"github.com/hupe1980/insightmesh/internal/testutil"
	"github.com/hupe1980/insightmesh/plan"
	"github.com/hupe1980/insightmesh/session"
	"github.com/hupe1980/insightmesh/tool"
)

const client = "client"

type findings []string

func (f findings) InsightCount() int { return len(f) }

// trace records tool starts and ends in the order they happen.
type trace struct {
	mu     sync.Mutex
	events []string
	calls  map[string]int
}

func newTrace() *trace { return &trace{calls: map[string]int{}} }

func (tr *trace) add(event string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.events = append(tr.events, event)
}

func (tr *trace) call(task string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.calls[task]++
}

func (tr *trace) index(event string) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for i, e := range tr.events {
		if e == event {
			return i
		}
	}
	return -1
}

func (tr *trace) count(task string) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.calls[task]
}

type countingObserver struct {
	mu         sync.Mutex
	dispatched int
	finished   map[bool]int
	requests   []core.SessionStatus
}

func (o *countingObserver) TaskDispatched(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dispatched++
}

func (o *countingObserver) TaskFinished(_ string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished == nil {
		o.finished = map[bool]int{}
	}
	o.finished[ok]++
}

func (o *countingObserver) RequestFinished(status core.SessionStatus, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, status)
}

// redeliveringTransport sends every task completion twice.
type redeliveringTransport struct {
	*bus.Bus
}

func (t redeliveringTransport) Send(ctx context.Context, msg core.Message) error {
	if err := t.Bus.Send(ctx, msg); err != nil {
		return err
	}
	if msg.Intent == core.IntentTaskCompleted {
		return t.Bus.Send(ctx, msg)
	}
	return nil
}

type harness struct {
	bus    *bus.Bus
	store  *session.Store
	engine *Engine
	trace  *trace
	finals chan core.Message
}

type harnessOptions struct {
	planner  Planner
	wrap     func(b *bus.Bus) core.Transport
	store    *session.Store
	tools    map[string]tool.Func
	observer Observer
	clock    func() time.Time
	maxRun   time.Duration
}

func stageTool(tr *trace, name string, fn tool.Func) tool.Tool {
	return tool.NewFunctionTool(name, "Test stage "+name, nil, func(tc *core.ToolContext, args map[string]any) (any, error) {
		tr.call(tc.TaskID())
		tr.add("start:" + tc.TaskID())
		defer tr.add("end:" + tc.TaskID())

		if fn != nil {
			return fn(tc, args)
		}

		return map[string]any{"task": tc.TaskID(), "inputs": len(tc.Inputs())}, nil
	})
}

func sequentialPlanner(core.Request) (*plan.Plan, error) {
	return plan.Sequential(plan.Goal{Name: "analysis"},
		plan.Task{ID: "ingest"},
		plan.Task{ID: "analyze"},
		plan.Task{ID: "visualize"},
		plan.Task{ID: "narrate"},
	)
}

func newHarness(t *testing.T, optFns ...func(o *harnessOptions)) *harness {
	t.Helper()

	b := bus.New()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})

	opts := harnessOptions{planner: sequentialPlanner}
	for _, fn := range optFns {
		fn(&opts)
	}

	var transport core.Transport = b
	if opts.wrap != nil {
		transport = opts.wrap(b)
	}

	if opts.store == nil {
		store, err := session.New(nil)
		require.NoError(t, err)
		opts.store = store
	}

	tr := newTrace()

	for _, name := range []string{"ingest", "analyze", "visualize", "narrate"} {
		w := agent.NewWorker(name+"-agent", []tool.Tool{stageTool(tr, name, opts.tools[name])}, func(o *agent.Options) {
			o.Transport = transport
		})
		require.NoError(t, b.Register(w.Name(), w))
		t.Cleanup(w.Wait)
	}

	e, err := New(b, opts.store, func(o *Options) {
		o.Planner = opts.planner
		o.Observer = opts.observer
		o.Clock = opts.clock
		o.MaxRunning = opts.maxRun
	})
	require.NoError(t, err)

	for _, name := range []string{"ingest", "analyze", "visualize", "narrate"} {
		require.NoError(t, e.Register(registered{name: name + "-agent", caps: []string{name}}))
	}

	finals := make(chan core.Message, 8)
	require.NoError(t, b.Register(client, core.ReceiverFunc(func(_ context.Context, msg core.Message) {
		finals <- msg
	})))

	require.NoError(t, e.Start(context.Background()))

	return &harness{bus: b, store: opts.store, engine: e, trace: tr, finals: finals}
}

type registered struct {
	name string
	caps []string
}

func (r registered) Name() string           { return r.name }
func (r registered) Capabilities() []string { return r.caps }

func (h *harness) submit(t *testing.T, req core.Request) string {
	t.Helper()
	id, err := h.engine.Submit(context.Background(), client, req)
	require.NoError(t, err)
	return id
}

func (h *harness) final(t *testing.T) core.FinalPayload {
	t.Helper()

	select {
	case msg := <-h.finals:
		p, ok := msg.Content.(core.FinalPayload)
		require.True(t, ok, "unexpected payload %T", msg.Content)
		assert.Equal(t, Mailbox, msg.Sender)
		assert.NotEmpty(t, msg.CorrelationID)
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("no terminal message")
		return core.FinalPayload{}
	}
}

func (h *harness) noMoreFinals(t *testing.T) {
	t.Helper()

	select {
	case msg := <-h.finals:
		t.Fatalf("unexpected second terminal message %s", msg.Intent)
	case <-time.After(100 * time.Millisecond):
	}
}

func demoRequest() core.Request {
	return core.Request{Source: "demo", Objectives: []string{"sentiment", "topics"}}
}

func TestEngine_SequentialWorkflowCompletes(t *testing.T) {
	obs := &countingObserver{}
	h := newHarness(t, func(o *harnessOptions) {
		o.observer = obs
		o.tools = map[string]tool.Func{
			"analyze": func(*core.ToolContext, map[string]any) (any, error) {
				return findings{"positive tone", "shipping delays"}, nil
			},
		}
	})

	id := h.submit(t, demoRequest())

	sess, err := h.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, []core.SessionStatus{core.StatusRunning, core.StatusCompleted}, sess.Status)

	final := h.final(t)
	assert.True(t, final.Succeeded)
	assert.Equal(t, id, final.SessionID)
	assert.Len(t, final.Result, 4)
	h.noMoreFinals(t)

	sess, err = h.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, sess.Status)
	assert.Equal(t, "completed", sess.Metadata["phase"])
	assert.Equal(t, 4, sess.Metadata["tasks_completed"])
	assert.Equal(t, 2, sess.Metadata["insights"])
	assert.NotContains(t, sess.Metadata, "error")
	assert.Contains(t, sess.Metadata, "duration_ms")
	for _, stage := range []string{"ingest", "analyze", "visualize", "narrate"} {
		assert.Contains(t, sess.Result, stage)
	}

	order := []string{"ingest", "analyze", "visualize", "narrate"}
	for i := 1; i < len(order); i++ {
		assert.Less(t, h.trace.index("end:"+order[i-1]), h.trace.index("start:"+order[i]))
	}

	assert.Empty(t, h.engine.InFlight())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 4, obs.dispatched)
	assert.Equal(t, 4, obs.finished[true])
	assert.Equal(t, []core.SessionStatus{core.StatusCompleted}, obs.requests)
}

func TestEngine_DependentsWaitForAllDependencies(t *testing.T) {
	h := newHarness(t, func(o *harnessOptions) {
		o.planner = func(core.Request) (*plan.Plan, error) {
			p := plan.New(plan.Goal{Name: "fan-out"})
			_ = p.AddTask(plan.Task{ID: "ingest"})
			_ = p.AddTask(plan.Task{ID: "analyze_sentiment", Capability: "analyze"}, "ingest")
			_ = p.AddTask(plan.Task{ID: "analyze_topics", Capability: "analyze"}, "ingest")
			_ = p.AddTask(plan.Task{ID: "narrate"}, "analyze_sentiment", "analyze_topics")
			return p, nil
		}
		o.tools = map[string]tool.Func{
			"analyze": func(tc *core.ToolContext, _ map[string]any) (any, error) {
				if tc.TaskID() == "analyze_topics" {
					time.Sleep(30 * time.Millisecond)
				}
				return tc.TaskID(), nil
			},
			"narrate": func(tc *core.ToolContext, _ map[string]any) (any, error) {
				return tc.Inputs(), nil
			},
		}
	})

	h.submit(t, demoRequest())

	final := h.final(t)
	require.True(t, final.Succeeded)

	narrateStart := h.trace.index("start:narrate")
	for _, dep := range []string{"ingest", "analyze_sentiment", "analyze_topics"} {
		assert.Less(t, h.trace.index("end:"+dep), narrateStart, dep)
	}
	assert.Less(t, h.trace.index("end:ingest"), h.trace.index("start:analyze_sentiment"))
	assert.Less(t, h.trace.index("end:ingest"), h.trace.index("start:analyze_topics"))

	inputs, ok := final.Result["narrate"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "analyze_sentiment", inputs["analyze_sentiment"])
	assert.Equal(t, "analyze_topics", inputs["analyze_topics"])
	assert.Contains(t, inputs, "ingest")
}

func TestEngine_RedeliveredCompletionsAreIgnored(t *testing.T) {
	h := newHarness(t, func(o *harnessOptions) {
		o.wrap = func(b *bus.Bus) core.Transport { return redeliveringTransport{Bus: b} }
	})

	id := h.submit(t, demoRequest())

	final := h.final(t)
	assert.True(t, final.Succeeded)
	h.noMoreFinals(t)

	for _, stage := range []string{"ingest", "analyze", "visualize", "narrate"} {
		assert.Equal(t, 1, h.trace.count(stage), stage)
	}

	sess, err := h.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, sess.Status)
	assert.Equal(t, 4, sess.Metadata["tasks_completed"])
}

func TestEngine_UnmatchedCompletionIsDropped(t *testing.T) {
	h := newHarness(t)

	task := testutil.TaskMessage("ingest-agent", "ingest", nil, nil)
	h.engine.Receive(context.Background(), testutil.ResultReply(task, "ingest-agent", "stale"))
	h.engine.Receive(context.Background(), testutil.FailureReply(task, "ingest-agent", tool.CodeExecution, "stale"))

	assert.Empty(t, h.engine.InFlight())
	h.noMoreFinals(t)
}

func TestEngine_FailedStageKeepsEarlierOutputs(t *testing.T) {
	h := newHarness(t, func(o *harnessOptions) {
		o.tools = map[string]tool.Func{
			"ingest": func(*core.ToolContext, map[string]any) (any, error) {
				return map[string]any{"records": 12}, nil
			},
			"analyze": func(*core.ToolContext, map[string]any) (any, error) {
				return nil, errors.New("model backend unavailable")
			},
		}
	})

	id := h.submit(t, demoRequest())

	final := h.final(t)
	assert.False(t, final.Succeeded)
	assert.Contains(t, final.Error, "model backend unavailable")
	assert.Contains(t, final.Result, "ingest")
	h.noMoreFinals(t)

	sess, err := h.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, sess.Status)
	assert.Equal(t, "failed", sess.Metadata["phase"])
	assert.Equal(t, "analyze", sess.Metadata["failed_task"])
	assert.Contains(t, sess.Metadata["error"], "model backend unavailable")
	assert.Equal(t, map[string]any{"records": 12}, sess.Result["ingest"])
	assert.NotContains(t, sess.Result, "visualize")

	assert.Zero(t, h.trace.count("visualize"))
	assert.Zero(t, h.trace.count("narrate"))
	assert.Empty(t, h.engine.InFlight())
}

func TestEngine_MissingCapabilityFailsTask(t *testing.T) {
	h := newHarness(t, func(o *harnessOptions) {
		o.planner = func(core.Request) (*plan.Plan, error) {
			return plan.Sequential(plan.Goal{Name: "charts"},
				plan.Task{ID: "ingest"},
				plan.Task{ID: "render", Capability: "render_pdf"},
			)
		}
	})

	id := h.submit(t, demoRequest())

	final := h.final(t)
	assert.False(t, final.Succeeded)
	assert.Contains(t, final.Error, "no agent serves capability render_pdf")

	sess, err := h.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, sess.Status)
	assert.Equal(t, "render", sess.Metadata["failed_task"])
	assert.Contains(t, sess.Result, "ingest")
}

func TestEngine_SubmitRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, func(o *harnessOptions) {
		o.planner = func(req core.Request) (*plan.Plan, error) {
			if req.Source != "demo" {
				return nil, core.NewValidationError("source", "unknown source %q", req.Source)
			}
			return sequentialPlanner(req)
		}
	})

	tests := []struct {
		name  string
		req   core.Request
		field string
	}{
		{name: "missing objectives", req: core.Request{Source: "demo"}, field: "objectives"},
		{name: "missing source", req: core.Request{Objectives: []string{"topics"}}, field: "source"},
		{name: "planner rejects", req: core.Request{Source: "s3://bucket", Objectives: []string{"topics"}}, field: "source"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Submit(context.Background(), client, tt.req)

			var verr *core.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	assert.Empty(t, h.store.ListSessions(context.Background()))
}

func TestEngine_SubmitRejectsCyclicPlan(t *testing.T) {
	h := newHarness(t, func(o *harnessOptions) {
		o.planner = func(core.Request) (*plan.Plan, error) {
			p := plan.New(plan.Goal{Name: "loop"})
			_ = p.AddTask(plan.Task{ID: "ingest"}, "narrate")
			_ = p.AddTask(plan.Task{ID: "narrate"}, "ingest")
			return p, nil
		}
	})

	_, err := h.engine.Submit(context.Background(), client, demoRequest())
	assert.ErrorIs(t, err, plan.ErrCycle)
	assert.Empty(t, h.store.ListSessions(context.Background()))
}

func TestEngine_SubmitBeforeStart(t *testing.T) {
	store, err := session.New(nil)
	require.NoError(t, err)

	e, err := New(bus.New(), store, func(o *Options) { o.Planner = sequentialPlanner })
	require.NoError(t, err)

	_, err = e.Submit(context.Background(), client, demoRequest())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestEngine_RegisterRejectsCapabilityConflicts(t *testing.T) {
	h := newHarness(t)

	err := h.engine.Register(registered{name: "other", caps: []string{"ingest"}})
	assert.Error(t, err)
	assert.Equal(t, "ingest-agent", h.engine.Routes()["ingest"])

	assert.NoError(t, h.engine.Register(registered{name: "ingest-agent", caps: []string{"ingest"}}))
}

func TestEngine_WatchdogFailedSessionFinalizesAsFailed(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	store, err := session.New(nil, func(o *session.Options) {
		o.Clock = clock.Now
		o.MaxRunning = time.Minute
	})
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})

	h := newHarness(t, func(o *harnessOptions) {
		o.store = store
		o.tools = map[string]tool.Func{
			"ingest": func(*core.ToolContext, map[string]any) (any, error) {
				close(started)
				<-release
				return "records", nil
			},
		}
	})

	id := h.submit(t, demoRequest())

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("ingest never started")
	}

	clock.Advance(2 * time.Minute)

	sess, err := store.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, core.StatusFailed, sess.Status)

	close(release)

	final := h.final(t)
	assert.False(t, final.Succeeded)
	assert.Contains(t, final.Error, "exceeded maximum runtime")
	h.noMoreFinals(t)

	assert.Zero(t, h.trace.count("analyze"))
	assert.Empty(t, h.engine.InFlight())
}

func TestEngine_ExpiresRequestsWithoutReply(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	store, err := session.New(nil, func(o *session.Options) { o.Clock = clock.Now })
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan string, 2)

	h := newHarness(t, func(o *harnessOptions) {
		o.store = store
		o.clock = clock.Now
		o.maxRun = time.Minute
		o.tools = map[string]tool.Func{
			"ingest": func(tc *core.ToolContext, _ map[string]any) (any, error) {
				started <- tc.SessionID()
				<-release
				return "records", nil
			},
		}
	})
	t.Cleanup(func() { close(release) })

	stuck := h.submit(t, demoRequest())
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("ingest never started")
	}
	require.Len(t, h.engine.InFlight(), 1)

	clock.Advance(2 * time.Minute)

	// Any orchestrator event notices the overrun; a fresh submit is one.
	fresh := h.submit(t, demoRequest())

	final := h.final(t)
	assert.Equal(t, stuck, final.SessionID)
	assert.False(t, final.Succeeded)
	assert.Contains(t, final.Error, "exceeded maximum runtime")

	sess, err := store.GetSession(context.Background(), stuck)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, sess.Status)
	assert.Equal(t, string(PhaseFailed), sess.Metadata["phase"])

	inflight := h.engine.InFlight()
	require.Len(t, inflight, 1)

	r, ok := h.engine.lookup(inflight[0])
	require.True(t, ok)
	assert.Equal(t, fresh, r.sessionID)
}

func TestEngine_ConcurrentRequestsAreIsolated(t *testing.T) {
	h := newHarness(t, func(o *harnessOptions) {
		o.tools = map[string]tool.Func{
			"analyze": func(tc *core.ToolContext, _ map[string]any) (any, error) {
				return fmt.Sprintf("analysis for %s", tc.SessionID()), nil
			},
		}
	})

	ids := map[string]bool{}
	for i := 0; i < 3; i++ {
		ids[h.submit(t, demoRequest())] = true
	}

	for i := 0; i < 3; i++ {
		final := h.final(t)
		require.True(t, final.Succeeded)
		require.True(t, ids[final.SessionID])
		assert.Equal(t, "analysis for "+final.SessionID, final.Result["analyze"])
		delete(ids, final.SessionID)
	}

	assert.Empty(t, ids)
	assert.Empty(t, h.engine.InFlight())
}

func TestCountInsights(t *testing.T) {
	n := CountInsights(map[string]any{
		"analyze_sentiment": findings{"a", "b"},
		"analyze_topics":    findings{"c"},
		"ingest":            map[string]any{"records": 3},
	})
	assert.Equal(t, 3, n)
	assert.Zero(t, CountInsights(nil))
}

func TestNew_RejectsInvalidOptions(t *testing.T) {
	store, err := session.New(nil)
	require.NoError(t, err)
	b := bus.New()

	_, err = New(b, store)
	assert.ErrorIs(t, err, ErrNoPlanner)

	_, err = New(nil, store, func(o *Options) { o.Planner = sequentialPlanner })
	assert.Error(t, err)

	_, err = New(b, store, func(o *Options) {
		o.Planner = sequentialPlanner
		o.MaxRunning = -time.Second
	})
	assert.Error(t, err)
}
