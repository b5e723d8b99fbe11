// Package insightmesh is the high-level façade over the analytics
// orchestrator. It wires the message bus, the two-tier session store, the
// orchestration engine and the default pipeline workers from a single
// config.Config:
//
//	mesh, err := insightmesh.New(ctx)
//	id, err := mesh.Submit(ctx, core.Request{Source: "demo", Objectives: []string{"sentiment", "topics"}})
//	sess, err := mesh.Wait(ctx, id)
//
// Submit returns as soon as the session exists; Wait blocks until it reaches
// a terminal status. All defaults are in-memory and suitable for local runs
// and tests; deployments select a persisted storage driver and a narration
// provider through the configuration file.
package insightmesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hupe1980/insightmesh/agent"
	"github.com/hupe1980/insightmesh/artifact"
	"github.com/hupe1980/insightmesh/bus"
	"github.com/hupe1980/insightmesh/config"
	"github.com/hupe1980/insightmesh/core"
	"github.com/hupe1980/insightmesh/engine"
	"github.com/hupe1980/insightmesh/internal/codec"
	"github.com/hupe1980/insightmesh/logging"
	"github.com/hupe1980/insightmesh/memory"
	"github.com/hupe1980/insightmesh/metrics"
	"github.com/hupe1980/insightmesh/model"
	"github.com/hupe1980/insightmesh/model/anthropic"
	"github.com/hupe1980/insightmesh/model/openai"
	"github.com/hupe1980/insightmesh/pipeline"
	"github.com/hupe1980/insightmesh/session"
	"github.com/hupe1980/insightmesh/storage"
	"github.com/hupe1980/insightmesh/storage/file"
	"github.com/hupe1980/insightmesh/storage/sqlite"
	"github.com/hupe1980/insightmesh/tool"
)

// ClientMailbox receives the terminal message of every request submitted
// through the façade.
const ClientMailbox = "insightmesh-client"

// Options configures an InsightMesh instance.
type Options struct {
	// Config supplies every deployment knob. Nil means config.Default().
	Config *config.Config

	// Logger defaults to a no-op logger.
	Logger logging.Logger

	// Backend overrides the storage driver named in Config.
	Backend storage.Backend

	// Model overrides the narrator provider named in Config.
	Model model.Model

	// Tools replace default pipeline tools of the same name.
	Tools []tool.Tool

	// Clock drives session timestamps, cache expiry and the watchdog.
	Clock func() time.Time

	// WaitPoll bounds how long Wait sleeps between status checks when no
	// terminal message arrives, so watchdog expiry is still observed.
	WaitPoll time.Duration

	// OnFinal is called for every terminal request message.
	OnFinal func(core.FinalPayload)
}

// InsightMesh aggregates the running components.
type InsightMesh struct {
	cfg       *config.Config
	logger    logging.Logger
	bus       *bus.Bus
	store     *session.Store
	engine    *engine.Engine
	artifacts *artifact.InMemoryStore
	recorder  *metrics.Recorder
	agents    []*agent.Agent
	closers   []io.Closer
	waitPoll  time.Duration
	onFinal   func(core.FinalPayload)

	mu      sync.Mutex
	changed chan struct{}
	closed  bool
}

// New builds and starts an InsightMesh. Persisted sessions of a file or
// SQLite backend are loaded lazily on first access.
func New(ctx context.Context, optFns ...func(o *Options)) (*InsightMesh, error) {
	opts := Options{WaitPoll: time.Second}
	for _, fn := range optFns {
		fn(&opts)
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.WaitPoll <= 0 {
		opts.WaitPoll = time.Second
	}

	logger := logging.OrNoOp(opts.Logger)

	m := &InsightMesh{
		cfg:       cfg,
		logger:    logger,
		artifacts: artifact.NewInMemoryStore(),
		recorder:  metrics.NewRecorder(),
		waitPoll:  opts.WaitPoll,
		onFinal:   opts.OnFinal,
		changed:   make(chan struct{}),
	}

	backend := opts.Backend
	if backend == nil {
		b, closer, err := openBackend(ctx, cfg.Storage, component(logger, "storage"))
		if err != nil {
			return nil, err
		}
		backend = b
		if closer != nil {
			m.closers = append(m.closers, closer)
		}
	}

	docCodec, err := codec.ByName(cfg.Storage.Codec)
	if err != nil {
		m.closeBackends()
		return nil, err
	}

	m.store, err = session.New(backend, func(o *session.Options) {
		o.MaxHistory = cfg.Store.MaxHistory
		o.DefaultCacheTTL = cfg.Store.DefaultCacheTTL
		o.AutoSave = cfg.Store.AutoSave
		o.MaxRunning = cfg.Store.MaxSessionRuntime
		o.StrictRevisions = cfg.Store.StrictRevisions
		o.Key = cfg.Storage.Key
		o.Codec = docCodec
		o.Clock = opts.Clock
		o.Logger = component(logger, "session")
		o.Observer = m.recorder
	})
	if err != nil {
		m.closeBackends()
		return nil, err
	}

	narrator := opts.Model
	if narrator == nil {
		narrator = newNarrator(cfg.Narrator)
	}

	planner, err := pipeline.NewPlanner(cfg.Engine.Planner)
	if err != nil {
		m.closeBackends()
		return nil, err
	}

	m.bus = bus.New(func(o *bus.Options) {
		o.Logger = component(logger, "bus")
		o.Observer = m.recorder
	})

	m.engine, err = engine.New(m.bus, m.store, func(o *engine.Options) {
		o.Planner = planner
		o.Memory = memory.NewInMemoryStore()
		o.Logger = component(logger, "engine")
		o.Observer = m.recorder
		o.Clock = opts.Clock
		o.MaxRunning = cfg.Store.MaxSessionRuntime
	})
	if err != nil {
		m.closeBackends()
		return nil, err
	}

	m.agents = pipeline.NewAgents(func(o *pipeline.Options) {
		o.Transport = m.bus
		o.Logger = component(logger, "agent")
		o.Artifacts = m.artifacts
		o.Observer = m.recorder
		o.Model = narrator
		o.MaxConcurrentTools = cfg.Engine.MaxConcurrentTools
		o.Overrides = opts.Tools
	})

	if err := m.start(ctx); err != nil {
		_ = m.bus.Close(ctx)
		m.closeBackends()
		return nil, err
	}

	return m, nil
}

func (m *InsightMesh) start(ctx context.Context) error {
	for _, a := range m.agents {
		if err := m.bus.Register(a.Name(), a); err != nil {
			return err
		}
		if err := m.engine.Register(a); err != nil {
			return err
		}
	}

	if err := m.bus.Register(ClientMailbox, core.ReceiverFunc(m.receiveFinal)); err != nil {
		return err
	}

	return m.engine.Start(ctx)
}

func (m *InsightMesh) receiveFinal(_ context.Context, msg core.Message) {
	final, ok := msg.Content.(core.FinalPayload)
	if !ok {
		m.logger.Warn("insightmesh.unexpected_message", "intent", msg.Intent.String(), "sender", msg.Sender)
		return
	}

	if m.onFinal != nil {
		m.onFinal(final)
	}

	m.mu.Lock()
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()
}

func openBackend(ctx context.Context, cfg config.StorageConfig, logger logging.Logger) (storage.Backend, io.Closer, error) {
	switch cfg.Driver {
	case config.DriverFile:
		s, err := file.New(cfg.Path, func(o *file.Options) {
			o.Compress = cfg.Compress
			o.Logger = logger
		})
		return s, nil, err
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return storage.NewMemory(), nil, nil
	}
}

func newNarrator(cfg config.NarratorConfig) model.Model {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		return anthropic.NewModel(func(o *anthropic.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			if cfg.MaxTokens > 0 {
				o.MaxTokens = cfg.MaxTokens
			}
		})
	case config.ProviderOpenAI:
		return openai.NewModel(func(o *openai.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			if cfg.MaxTokens > 0 {
				o.MaxCompletionTokens = cfg.MaxTokens
			}
		})
	default:
		return nil
	}
}

func component(l logging.Logger, name string) logging.Logger {
	if ml, ok := l.(*logging.MeshLogger); ok {
		return ml.WithComponent(name)
	}
	return l
}

// Submit validates and plans req, creates its session and starts execution.
// It returns the session id without waiting for the pipeline.
func (m *InsightMesh) Submit(ctx context.Context, req core.Request) (string, error) {
	return m.engine.Submit(ctx, ClientMailbox, req)
}

// Session returns a snapshot of one session.
func (m *InsightMesh) Session(ctx context.Context, id string) (*core.Session, error) {
	return m.store.GetSession(ctx, id)
}

// Sessions lists retained sessions, most recently updated first.
func (m *InsightMesh) Sessions(ctx context.Context) []*core.Session {
	return m.store.ListSessions(ctx)
}

// DeleteSession removes a session and its artifacts.
func (m *InsightMesh) DeleteSession(ctx context.Context, id string) bool {
	m.artifacts.DeleteSession(id)
	return m.store.DeleteSession(ctx, id)
}

// Artifacts lists the artifacts stored for a session.
func (m *InsightMesh) Artifacts(_ context.Context, sessionID string) ([]string, error) {
	return m.artifacts.List(sessionID)
}

// Artifact returns one stored artifact.
func (m *InsightMesh) Artifact(_ context.Context, sessionID, artifactID string) ([]byte, error) {
	return m.artifacts.Get(sessionID, artifactID)
}

// Export returns the store document as indented JSON.
func (m *InsightMesh) Export(ctx context.Context) ([]byte, error) {
	return m.store.Export(ctx)
}

// Import merges an exported document and returns the sessions imported.
func (m *InsightMesh) Import(ctx context.Context, data []byte) (int, error) {
	return m.store.Import(ctx, data)
}

// Store exposes the session store for cache and preference access.
func (m *InsightMesh) Store() *session.Store { return m.store }

// Metrics exposes the Prometheus recorder.
func (m *InsightMesh) Metrics() *metrics.Recorder { return m.recorder }

// Config returns the configuration the instance was built from.
func (m *InsightMesh) Config() *config.Config { return m.cfg }

// Wait blocks until session id is terminal or ctx ends.
func (m *InsightMesh) Wait(ctx context.Context, id string) (*core.Session, error) {
	ticker := time.NewTicker(m.waitPoll)
	defer ticker.Stop()

	for {
		m.mu.Lock()
		changed := m.changed
		m.mu.Unlock()

		sess, err := m.store.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess.Terminal() {
			return sess, nil
		}

		select {
		case <-changed:
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops the engine, drains the workers and the bus, persists the
// store when auto-save is off and releases storage backends.
func (m *InsightMesh) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.engine.Stop()
	for _, a := range m.agents {
		a.Wait()
	}

	var errs []error
	if err := m.bus.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}

	if !m.cfg.Store.AutoSave {
		if err := m.store.Save(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	errs = append(errs, m.closeBackends())

	return errors.Join(errs...)
}

func (m *InsightMesh) closeBackends() error {
	var errs []error
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.closers = nil
	return errors.Join(errs...)
}
