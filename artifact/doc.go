// Package artifact contains core.ArtifactStore implementations. The
// visualize stage stores its chart specifications here, one artifact per
// chart, scoped by session id.
package artifact
