// Package pipeline provides the default analytics workers and the planner that
// wires them into plans.
//
// Four capabilities make up the pipeline:
//
//	ingest     load review records from a source (demo or inline)
//	analyze    run objectives (sentiment, topics, summary) over a dataset
//	visualize  turn analyses into chart specs stored as session artifacts
//	narrate    write a short report, through a model.Model when configured
//
// Each capability is a tool.Tool served by its own worker agent. NewPlanner
// turns a core.Request into a sequential, parallel or composite plan over
// those capabilities:
//
//	planner, _ := pipeline.NewPlanner(pipeline.ModeSequential)
//	workers := pipeline.NewAgents(func(o *pipeline.Options) {
//		o.Transport = bus
//		o.Artifacts = artifacts
//	})
package pipeline
