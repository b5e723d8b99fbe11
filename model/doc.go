// Package model defines the provider-agnostic text generation boundary used by
// the narration stage of the analytics pipeline.
//
// A Model turns a system instruction and a prompt into a single completion.
// Providers (Anthropic, OpenAI) live in sub-packages so the pipeline stays
// decoupled from vendor SDKs; MockModel serves tests and offline runs.
package model
