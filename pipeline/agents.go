package pipeline

import (
	"github.com/hupe1980/insightmesh/agent"
	"github.com/hupe1980/insightmesh/core"
	"github.com/hupe1980/insightmesh/logging"
	"github.com/hupe1980/insightmesh/model"
	"github.com/hupe1980/insightmesh/tool"
)

// Options configures the default workers.
type Options struct {
	Transport core.Transport
	Logger    logging.Logger
	Artifacts core.ArtifactStore
	Observer  agent.ToolObserver

	// Model drives the narrate stage. Nil renders DefaultTemplate.
	Model model.Model

	MaxConcurrentTools int64

	// Overrides replace the default tool of the capability they are named after.
	Overrides []tool.Tool
}

// AgentName returns the mailbox name of the worker serving capability.
func AgentName(capability string) string { return capability + "-agent" }

// Tools returns the default tool per capability with overrides applied.
func Tools(m model.Model, overrides ...tool.Tool) map[string]tool.Tool {
	tools := map[string]tool.Tool{
		CapIngest:    NewIngestTool(),
		CapAnalyze:   NewAnalyzeTool(),
		CapVisualize: NewVisualizeTool(),
		CapNarrate:   NewNarrateTool(m),
	}
	for _, t := range overrides {
		tools[t.Name()] = t
	}
	return tools
}

// NewAgents builds one worker per capability, in stage order.
func NewAgents(optFns ...func(o *Options)) []*agent.Agent {
	opts := Options{MaxConcurrentTools: 4}
	for _, fn := range optFns {
		fn(&opts)
	}

	tools := Tools(opts.Model, opts.Overrides...)

	agents := make([]*agent.Agent, 0, len(Capabilities))
	for _, capability := range Capabilities {
		t := tools[capability]
		agents = append(agents, agent.NewWorker(AgentName(capability), []tool.Tool{t}, func(o *agent.Options) {
			o.Description = t.Description()
			o.Transport = opts.Transport
			o.Logger = opts.Logger
			o.Artifacts = opts.Artifacts
			o.Observer = opts.Observer
			o.MaxConcurrentTools = opts.MaxConcurrentTools
		}))
	}

	return agents
}
