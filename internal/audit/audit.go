// Package audit records permission and administration mutations. Recording
// is a side effect only: failures are logged and never propagate to the
// caller.
package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/neutronlabs/neutron/internal/store"
)

// Entry is one audit record.
type Entry struct {
	Action       string
	ActorID      string
	ResourceType string
	ResourceID   string
	Details      map[string]any
	IP           string
}

// Recorder records audit entries.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Log writes audit entries to the audit_log table.
type Log struct {
	store *store.Store
}

// NewLog creates an audit log backed by the app database.
func NewLog(s *store.Store) *Log {
	return &Log{store: s}
}

// Record persists the entry. Failures are logged and swallowed.
func (l *Log) Record(ctx context.Context, e Entry) {
	var details []byte
	if e.Details != nil {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			log.Printf("audit: marshal details for %s: %v", e.Action, err)
			details = nil
		}
	}

	err := l.store.Write(func() error {
		_, err := l.store.App.ExecContext(ctx,
			`INSERT INTO audit_log (action, actor_id, resource_type, resource_id, details_json, ip, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.Action, e.ActorID, e.ResourceType, e.ResourceID, nullable(string(details)), nullable(e.IP),
			time.Now().UTC().Format(time.RFC3339Nano),
		)
		return err
	})
	if err != nil {
		log.Printf("audit: record %s: %v", e.Action, err)
	}
}

// Nop is a Recorder that discards entries. Used in tests.
type Nop struct{}

// Record discards the entry.
func (Nop) Record(context.Context, Entry) {}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
