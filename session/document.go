package session

import (
	"time"

	"github.com/hupe1980/insightmesh/core"
)

// DocumentVersion tags every persisted and exported document.
const DocumentVersion = "1.0"

// Document is the persisted layout of the store.
type Document struct {
	Version     string                `json:"version"`
	Revision    uint64                `json:"revision"`
	ExportedAt  *time.Time            `json:"exported_at,omitempty"`
	Sessions    []*core.Session       `json:"sessions"`
	Preferences map[string]any        `json:"preferences"`
	Cache       map[string]CacheEntry `json:"cache"`
}

func newDocument() *Document {
	return &Document{
		Version:     DocumentVersion,
		Sessions:    []*core.Session{},
		Preferences: map[string]any{},
		Cache:       map[string]CacheEntry{},
	}
}

// normalize fills nil collections left by decoding.
func (d *Document) normalize() {
	if d.Version == "" {
		d.Version = DocumentVersion
	}
	if d.Sessions == nil {
		d.Sessions = []*core.Session{}
	}
	if d.Preferences == nil {
		d.Preferences = map[string]any{}
	}
	if d.Cache == nil {
		d.Cache = map[string]CacheEntry{}
	}

	kept := d.Sessions[:0]
	for _, s := range d.Sessions {
		if s == nil || s.ID == "" {
			continue
		}
		if s.Result == nil {
			s.Result = map[string]any{}
		}
		if s.Metadata == nil {
			s.Metadata = map[string]any{}
		}
		if s.State == nil {
			s.State = map[string]any{}
		}
		kept = append(kept, s)
	}
	d.Sessions = kept
}

func (d *Document) session(id string) *core.Session {
	for _, s := range d.Sessions {
		if s.ID == id {
			return s
		}
	}
	return nil
}
