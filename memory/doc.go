// Package memory contains WorkingMemory implementations. The interface lives
// in the core package; the orchestrator keeps its in-flight plans here, keyed
// by request correlation id, and removes each entry when its request ends.
package memory
