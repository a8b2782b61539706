package chatmem

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/neutronlabs/neutron/internal/embedding"
	"github.com/neutronlabs/neutron/internal/types"
)

// Cross-session search tuning.
const (
	SearchCandidateWindow = 200
	SearchMinSimilarity   = 0.3
	SearchResultSample    = 200
	searchCacheTTL        = 5 * time.Minute
)

// SearchResult is one cross-session semantic match.
type SearchResult struct {
	MessageID    int64
	SessionID    string
	SessionTitle string
	Role         string
	Content      string
	Model        string
	Timestamp    string
	Similarity   float64
}

// SearchMessages performs cross-session semantic search over the
// principal's visible messages. Results are cached for five minutes per
// (query, user, team, limit); concurrent identical misses share one
// computation.
func (m *Memory) SearchMessages(ctx context.Context, p types.Principal, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	key := searchCacheKey(query, p, limit)

	v, err := m.cache.GetOrCompute(key, searchCacheTTL, func() (any, error) {
		return m.searchMessages(ctx, p, query, limit)
	})
	if err != nil {
		return nil, err
	}
	results, ok := v.([]SearchResult)
	if !ok {
		return nil, fmt.Errorf("search cache entry for %q has unexpected shape", query)
	}
	return results, nil
}

func searchCacheKey(query string, p types.Principal, limit int) string {
	h := sha256.Sum256([]byte(query))
	return fmt.Sprintf("search:%x:%s:%s:%d", h, p.UserID, p.TeamID, limit)
}

// searchMessages is the uncached path: embed the query, score the last
// SearchCandidateWindow visible messages, keep those above the similarity
// floor, return the top limit.
func (m *Memory) searchMessages(ctx context.Context, p types.Principal, query string, limit int) ([]SearchResult, error) {
	queryVec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	q := `SELECT m.id, m.session_id, s.title, m.role, m.content, m.model, m.timestamp, e.embedding_json
	      FROM chat_messages m
	      JOIN chat_sessions s ON s.id = m.session_id
	      LEFT JOIN message_embeddings e ON e.message_id = m.id
	      WHERE length(m.content) > ` + strconv.Itoa(EmbedMinContentLen) + ` AND `
	var args []any
	if p.HasTeam() {
		q += "m.team_id = ?"
		args = append(args, p.TeamID)
	} else {
		q += "m.user_id = ? AND m.team_id IS NULL"
		args = append(args, p.UserID)
	}
	q += " ORDER BY m.id DESC LIMIT ?"
	args = append(args, SearchCandidateWindow)

	rows, err := m.store.Chat.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var title, model, embJSON sql.NullString
		if err := rows.Scan(&r.MessageID, &r.SessionID, &title, &r.Role, &r.Content, &model, &r.Timestamp, &embJSON); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		r.SessionTitle = title.String
		r.Model = model.String

		vec := decodeEmbedding(embJSON)
		if vec == nil {
			// Pre-computed embedding is missing; compute on the fly so older
			// rows still rank.
			if vec, err = m.embedder.Embed(ctx, r.Content); err != nil {
				continue
			}
		}
		r.Similarity = embedding.Cosine(queryVec, vec)
		if r.Similarity <= SearchMinSimilarity {
			continue
		}
		r.Content = truncate(r.Content, SearchResultSample)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// InvalidateSearchCache drops all cached search results, e.g. after a bulk
// import or a sync batch lands.
func (m *Memory) InvalidateSearchCache() {
	m.cache.DeletePrefix("search:")
}
