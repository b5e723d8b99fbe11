package pipeline

import (
	"fmt"
	"strings"

	"github.com/hupe1980/insightmesh/core"
	"github.com/hupe1980/insightmesh/plan"
)

// Planner modes.
const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
	ModeComposite  = "composite"
)

// Modes lists the supported planner modes.
var Modes = []string{ModeSequential, ModeParallel, ModeComposite}

// NewPlanner returns a planner building plans in defaultMode. A request may
// pick another mode through its "mode" parameter. Unknown sources, objectives
// and modes are rejected with a *core.ValidationError.
func NewPlanner(defaultMode string) (func(core.Request) (*plan.Plan, error), error) {
	if defaultMode == "" {
		defaultMode = ModeSequential
	}
	if !knownMode(defaultMode) {
		return nil, fmt.Errorf("unknown planner mode %q", defaultMode)
	}

	return func(req core.Request) (*plan.Plan, error) {
		mode := defaultMode
		if v, ok := req.Parameters["mode"]; ok {
			s, _ := v.(string)
			if !knownMode(s) {
				return nil, &core.ValidationError{Field: "parameters.mode", Value: v, Message: "unknown planner mode"}
			}
			mode = s
		}
		return Plan(mode, req)
	}, nil
}

func knownMode(mode string) bool {
	for _, m := range Modes {
		if m == mode {
			return true
		}
	}
	return false
}

func knownObjective(obj string) bool {
	for _, o := range Objectives {
		if o == obj {
			return true
		}
	}
	return false
}

// Plan builds the plan for req in the given mode.
func Plan(mode string, req core.Request) (*plan.Plan, error) {
	for _, obj := range req.Objectives {
		if !knownObjective(obj) {
			return nil, &core.ValidationError{Field: "objectives", Value: obj, Message: "unknown objective"}
		}
	}

	ingest, err := ingestTask(req)
	if err != nil {
		return nil, err
	}

	goal := plan.Goal{Name: req.DisplayName(), Description: fmt.Sprintf("%s analysis of %s data", mode, req.Source)}

	visualize := plan.Task{ID: CapVisualize, Capability: CapVisualize, Description: "Render charts"}
	narrate := plan.Task{ID: CapNarrate, Capability: CapNarrate, Description: "Write the report", Args: narrateArgs(req)}

	switch mode {
	case ModeSequential:
		return plan.Sequential(goal, ingest, analyzeTask(CapAnalyze, req.Objectives, req), visualize, narrate)

	case ModeParallel:
		p := plan.New(goal)
		if err := p.AddTask(ingest); err != nil {
			return nil, err
		}

		analyzeIDs := make([]string, 0, len(req.Objectives))
		for _, obj := range req.Objectives {
			t := analyzeTask(CapAnalyze+"-"+obj, []string{obj}, req)
			if err := p.AddTask(t, ingest.ID); err != nil {
				return nil, err
			}
			analyzeIDs = append(analyzeIDs, t.ID)
		}

		if err := p.AddTask(visualize, analyzeIDs...); err != nil {
			return nil, err
		}
		if err := p.AddTask(narrate, visualize.ID); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return p, nil

	case ModeComposite:
		prepare, err := plan.Sequential(plan.Goal{Name: "prepare", Description: "Prepare data"}, ingest)
		if err != nil {
			return nil, err
		}

		tasks := make([]plan.Task, 0, len(req.Objectives))
		for _, obj := range req.Objectives {
			tasks = append(tasks, analyzeTask(CapAnalyze+"-"+obj, []string{obj}, req))
		}
		analysis, err := plan.Parallel(plan.Goal{Name: "analysis", Description: "Analyze"}, tasks...)
		if err != nil {
			return nil, err
		}

		present, err := plan.Sequential(plan.Goal{Name: "present", Description: "Present results"}, visualize, narrate)
		if err != nil {
			return nil, err
		}

		return plan.Pipeline(goal, prepare, analysis, present)

	default:
		return nil, core.NewValidationError("parameters.mode", "unknown planner mode %q", mode)
	}
}

func ingestTask(req core.Request) (plan.Task, error) {
	args := map[string]any{"source": req.Source}

	if req.Source == SourceInline {
		if _, err := parseRecords(req.Parameters["records"]); err != nil {
			return plan.Task{}, err
		}
		args["records"] = req.Parameters["records"]
	} else if req.Source != SourceDemo {
		return plan.Task{}, &core.ValidationError{Field: "source", Value: req.Source, Message: "unknown source"}
	}

	return plan.Task{ID: CapIngest, Capability: CapIngest, Description: "Load records from " + req.Source, Args: args}, nil
}

func analyzeTask(id string, objectives []string, req core.Request) plan.Task {
	objs := make([]any, len(objectives))
	for i, o := range objectives {
		objs[i] = o
	}

	args := map[string]any{"objectives": objs}
	if n := intArg(req.Parameters["top_topics"]); n > 0 {
		args["top_topics"] = n
	}

	return plan.Task{ID: id, Capability: CapAnalyze, Description: "Analyze " + strings.Join(objectives, ", "), Args: args}
}

func narrateArgs(req core.Request) map[string]any {
	args := map[string]any{"title": req.DisplayName()}
	if tone, ok := req.Preferences["tone"].(string); ok && tone != "" {
		args["tone"] = tone
	}
	return args
}
