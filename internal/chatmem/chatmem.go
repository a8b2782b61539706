// Package chatmem is the chat memory engine: per-user/per-team sessions and
// messages with pre-computed embeddings, rolling summaries, document chunks,
// and cross-session semantic search with cached results.
//
// Memory is one facade over several concerns; the per-concern behavior
// lives in sessions.go, messages.go, summaries.go, documents.go, search.go,
// and analytics.go.
package chatmem

import (
	"context"
	"sort"
	"strings"

	"github.com/neutronlabs/neutron/internal/cache"
	"github.com/neutronlabs/neutron/internal/embedding"
	"github.com/neutronlabs/neutron/internal/store"
)

// EmbedMinContentLen is the exclusive content-length threshold for
// pre-computing embeddings: only messages with len(content) > 20 get one.
const EmbedMinContentLen = 20

// OpTracker records local mutations of syncable tables for replication.
// The mesh engine implements it; a nil tracker disables replication.
type OpTracker interface {
	Track(ctx context.Context, table, operation, rowID string, data map[string]any, teamID string) error
}

// Memory is the chat memory engine facade.
type Memory struct {
	store    *store.Store
	embedder embedding.Embedder
	cache    *cache.Cache
	tracker  OpTracker
}

// New creates a chat memory engine. embedder and c are required; tracker
// may be nil when replication is disabled.
func New(s *store.Store, embedder embedding.Embedder, c *cache.Cache, tracker OpTracker) *Memory {
	return &Memory{store: s, embedder: embedder, cache: c, tracker: tracker}
}

// Session is a chat session row.
type Session struct {
	ID              string
	Title           string
	DefaultModel    string
	ModelsUsed      []string
	UserID          string
	TeamID          string
	Summary         string
	Archived        bool
	AutoTitled      bool
	SelectedMode    string
	SelectedModelID string
	MessageCount    int
	CreatedAt       string
	UpdatedAt       string
}

// Message is one conversation event.
type Message struct {
	ID        int64
	SessionID string
	Timestamp string
	Role      string
	Content   string
	Model     string
	Tokens    int
	Files     []string
	UserID    string
	TeamID    string
}

// track records a replication operation when a tracker is wired.
func (m *Memory) track(ctx context.Context, table, op, rowID string, data map[string]any, teamID string) {
	if m.tracker == nil {
		return
	}
	// Tracking failures must not fail the primary operation; the tracker
	// logs its own errors.
	_ = m.tracker.Track(ctx, table, op, rowID, data, teamID)
}

// joinModels serializes a model set: comma-joined, sorted, de-duplicated.
func joinModels(models []string) string {
	seen := make(map[string]bool, len(models))
	var out []string
	for _, m := range models {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// splitModels parses the serialized model set.
func splitModels(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
