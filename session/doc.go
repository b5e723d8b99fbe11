// Package session implements the two-tier session store.
//
// The hot tier is a process-local map of sessions. The persisted tier is a
// single keyed document held by a storage.Backend:
//
//	{version, revision, sessions: [...], preferences: {...}, cache: {...}}
//
// Lookups check the hot tier first and promote persisted records on a hit.
// Every persisted write trims the session history to MaxHistory (most
// recently updated first) and sweeps expired cache entries. Storage failures
// are logged and flip the store into degraded mode; the hot tier stays
// authoritative for the rest of the process lifetime.
//
// Sessions still running after MaxRunning are failed with a timeout the next
// time they are read or listed. There is no background sweeper.
package session
