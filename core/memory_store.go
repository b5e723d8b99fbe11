package core

// WorkingMemory holds request-scoped values, such as in-flight plans, keyed
// by request correlation id. Entries live only as long as their request.
type WorkingMemory interface {
	Put(key string, value any)
	Get(key string) (any, bool)
	Delete(key string) bool
	Keys() []string
}
