package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/insightmesh/core"
	"github.com/hupe1980/insightmesh/logging"
	"github.com/hupe1980/insightmesh/tool"
	"golang.org/x/sync/semaphore"
)

// Handler processes a message of one intent. A non-nil payload is sent back
// to the message's reply address.
type Handler func(ctx context.Context, msg core.Message) (core.Payload, error)

// ToolObserver is notified after every tool execution.
type ToolObserver interface {
	ToolExecuted(tool string, ok bool, duration time.Duration)
}

// Options configures an Agent.
type Options struct {
	Description string
	Transport   core.Transport
	Logger      logging.Logger
	Artifacts   core.ArtifactStore
	Observer    ToolObserver

	// MaxConcurrentTools bounds the tool executions a worker runs at once.
	MaxConcurrentTools int64
}

// Agent is an addressable unit of capability that receives and responds to
// messages. All exported methods are goroutine-safe.
type Agent struct {
	name        string
	description string

	mu       sync.RWMutex
	tools    map[string]tool.Tool
	handlers map[core.Intent]Handler

	transport core.Transport
	logger    logging.Logger
	artifacts core.ArtifactStore
	observer  ToolObserver

	sem      *semaphore.Weighted
	inflight sync.WaitGroup
}

// New constructs an agent without tools or handlers.
func New(name string, optFns ...func(o *Options)) *Agent {
	opts := Options{
		Description:        fmt.Sprintf("Agent %s", name),
		MaxConcurrentTools: 4,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxConcurrentTools < 1 {
		opts.MaxConcurrentTools = 1
	}

	return &Agent{
		name:        name,
		description: opts.Description,
		tools:       map[string]tool.Tool{},
		handlers:    map[core.Intent]Handler{},
		transport:   opts.Transport,
		logger:      logging.OrNoOp(opts.Logger),
		artifacts:   opts.Artifacts,
		observer:    opts.Observer,
		sem:         semaphore.NewWeighted(opts.MaxConcurrentTools),
	}
}

// Name returns the agent's mailbox name.
func (a *Agent) Name() string { return a.name }

// Description returns a detailed description of the agent's purpose.
func (a *Agent) Description() string { return a.description }

// RegisterTool adds t under its name. Re-registration overwrites silently.
func (a *Agent) RegisterTool(t tool.Tool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tools[t.Name()] = t
}

// RegisterMessageHandler binds h to intent. The last registration wins.
func (a *Agent) RegisterMessageHandler(intent core.Intent, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[intent] = h
}

// Tool returns the tool registered under name.
func (a *Agent) Tool(name string) (tool.Tool, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.tools[name]
	return t, ok
}

// Capabilities returns the sorted names of the registered tools.
func (a *Agent) Capabilities() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, 0, len(a.tools))
	for name := range a.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// ProcessMessage invokes the handler registered for msg.Intent and returns
// its result. A message without a handler is logged and yields no result;
// unknown intents are tolerated.
func (a *Agent) ProcessMessage(ctx context.Context, msg core.Message) (core.Payload, error) {
	a.mu.RLock()
	h, ok := a.handlers[msg.Intent]
	a.mu.RUnlock()

	if !ok {
		a.logger.Warn("agent.message.unhandled",
			"agent", a.name,
			"intent", msg.Intent.String(),
			"message_id", msg.ID,
		)
		return nil, nil
	}

	return h(ctx, msg)
}

// Receive is the mailbox entry point. Handler results are sent back as a
// reply; handler errors are logged.
func (a *Agent) Receive(ctx context.Context, msg core.Message) {
	payload, err := a.ProcessMessage(ctx, msg)
	if err != nil {
		a.logger.Error("agent.message.failed", "agent", a.name, "message_id", msg.ID, "error", err.Error())
		return
	}

	if payload == nil {
		return
	}

	if err := a.reply(ctx, msg, payload); err != nil {
		a.logger.Error("agent.reply.failed", "agent", a.name, "message_id", msg.ID, "error", err.Error())
	}
}

// ExecuteTool runs the named tool and converts every outcome into a
// tool.Result. It never panics and never returns an error: an unknown tool
// yields {status: error, message: "not found"}. A nil toolCtx is replaced by
// a background context for the agent.
func (a *Agent) ExecuteTool(toolCtx *core.ToolContext, name string, args map[string]any) tool.Result {
	t, ok := a.Tool(name)
	if !ok {
		a.logger.Warn("agent.tool.not_found", "agent", a.name, "tool", name)
		return tool.NotFound(name)
	}

	if toolCtx == nil {
		toolCtx = core.NewToolContext(context.Background(), a.name)
	}

	res := tool.Run(toolCtx, t, args)

	if ml, ok := a.logger.(*logging.MeshLogger); ok {
		ml.LogToolCall(name, res.Duration, res.OK(), res.Err(name))
	}

	if a.observer != nil {
		a.observer.ToolExecuted(name, res.OK(), res.Duration)
	}

	return res
}

// SendMessage builds a message with a fresh id and hands it to the transport.
func (a *Agent) SendMessage(ctx context.Context, to string, intent core.Intent, content core.Payload, optFns ...func(o *core.MessageOptions)) (core.Message, error) {
	msg, err := core.NewMessage(a.name, to, intent, content, optFns...)
	if err != nil {
		return core.Message{}, err
	}

	if err := a.send(ctx, msg); err != nil {
		return core.Message{}, err
	}

	return msg, nil
}

// Wait blocks until every tool execution started by the agent returned.
func (a *Agent) Wait() { a.inflight.Wait() }

func (a *Agent) reply(ctx context.Context, to core.Message, payload core.Payload) error {
	msg, err := to.Reply(a.name, payload)
	if err != nil {
		return err
	}
	return a.send(ctx, msg)
}

func (a *Agent) send(ctx context.Context, msg core.Message) error {
	if a.transport == nil {
		return fmt.Errorf("agent %s: no transport configured", a.name)
	}
	return a.transport.Send(ctx, msg)
}
