package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/insightmesh/core"
	"github.com/hupe1980/insightmesh/logging"
	"github.com/hupe1980/insightmesh/model"
	"github.com/hupe1980/insightmesh/tool"
)

// Capabilities served by the default workers.
const (
	CapIngest    = "ingest"
	CapAnalyze   = "analyze"
	CapVisualize = "visualize"
	CapNarrate   = "narrate"
)

// Capabilities lists the pipeline capabilities in stage order.
var Capabilities = []string{CapIngest, CapAnalyze, CapVisualize, CapNarrate}

// NewIngestTool loads the records named by the source argument.
func NewIngestTool() tool.Tool {
	return tool.NewFunctionTool(CapIngest, "Load review records from a source",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"source":  map[string]any{"type": "string", "enum": []any{SourceDemo, SourceInline}},
				"records": map[string]any{"type": "array"},
			},
			"required": []string{"source"},
		},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			source, _ := args["source"].(string)

			ds, err := loadDataset(source, args["records"])
			if err != nil {
				return nil, err
			}

			tc.Logger().Debug("pipeline.ingest", "session_id", tc.SessionID(), "source", source, "records", len(ds.Records))

			return ds, nil
		})
}

// NewAnalyzeTool runs the requested objectives over the upstream dataset.
func NewAnalyzeTool() tool.Tool {
	return tool.NewFunctionTool(CapAnalyze, "Run analysis objectives over an ingested dataset",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"objectives": map[string]any{"type": "array"},
				"top_topics": map[string]any{"type": "integer"},
			},
			"required": []string{"objectives"},
		},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			datasets, err := collect[Dataset](tc.Inputs(), kindDataset)
			if err != nil {
				return nil, err
			}
			if len(datasets) == 0 {
				return nil, errors.New("no dataset among task inputs")
			}

			return Analyze(datasets[0], stringList(args["objectives"]), intArg(args["top_topics"]))
		})
}

// NewVisualizeTool stores one chart spec artifact per analysis view.
func NewVisualizeTool() tool.Tool {
	return tool.NewFunctionTool(CapVisualize, "Render analyses as chart specs stored as session artifacts", nil,
		func(tc *core.ToolContext, _ map[string]any) (any, error) {
			analyses, err := collect[Analysis](tc.Inputs(), kindAnalysis)
			if err != nil {
				return nil, err
			}
			if len(analyses) == 0 {
				return nil, errors.New("no analysis among task inputs")
			}

			vis := Visualization{Kind: kindVisualization, Charts: []ChartRef{}}
			for _, c := range Charts(mergeAnalyses(analyses)) {
				data, err := encodeChart(c)
				if err != nil {
					return nil, fmt.Errorf("encode chart %s: %w", c.ID, err)
				}

				id := chartArtifactID(c)
				if err := tc.SaveArtifact(id, data); err != nil {
					return nil, fmt.Errorf("store chart %s: %w", c.ID, err)
				}

				vis.Charts = append(vis.Charts, ChartRef{ArtifactID: id, Type: c.Type, Title: c.Title})
			}

			return vis, nil
		})
}

// NewNarrateTool writes the report. With a nil model the report is rendered
// from DefaultTemplate.
func NewNarrateTool(m model.Model) tool.Tool {
	return tool.NewFunctionTool(CapNarrate, "Write a short report from the analyses",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{"type": "string"},
				"tone":  map[string]any{"type": "string"},
			},
		},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			inputs := tc.Inputs()

			analyses, err := collect[Analysis](inputs, kindAnalysis)
			if err != nil {
				return nil, err
			}
			vis, err := collect[Visualization](inputs, kindVisualization)
			if err != nil {
				return nil, err
			}

			title, _ := args["title"].(string)
			if title == "" {
				title = "Analysis report"
			}
			tone, _ := args["tone"].(string)

			data := newNarrativeData(title, tone, mergeAnalyses(analyses), vis)

			if m == nil {
				text, err := renderNarrative(DefaultTemplate, data)
				if err != nil {
					return nil, err
				}
				return Narrative{Kind: kindNarrative, Text: text, Provider: "template"}, nil
			}

			info := m.Info()

			start := time.Now()
			resp, err := m.Generate(tc.Context(), model.Request{System: systemPrompt, Prompt: narrativePrompt(data)})
			if ml, ok := tc.Logger().(*logging.MeshLogger); ok {
				ml.LogModelCall(info.Name, time.Since(start), err == nil, err)
			}
			if err != nil {
				return nil, fmt.Errorf("generate narrative: %w", err)
			}

			return Narrative{Kind: kindNarrative, Text: resp.Text, Provider: info.Provider, Model: info.Name}, nil
		})
}
