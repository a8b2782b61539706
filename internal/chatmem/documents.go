package chatmem

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/neutronlabs/neutron/internal/embedding"
	"github.com/neutronlabs/neutron/internal/types"
)

// DocumentChunk is one chunk of an uploaded file attached to a session.
type DocumentChunk struct {
	ID          int64
	SessionID   string
	FileID      string
	Filename    string
	ChunkIndex  int
	TotalChunks int
	Content     string
	Embedding   []float64
	TeamID      string
}

// ChunkMatch is a similarity-search result.
type ChunkMatch struct {
	Chunk      *DocumentChunk
	Similarity float64
}

// AddDocumentChunks stores a batch of chunks for one file atomically.
// Embeddings are computed up front; a chunk whose embedding fails is stored
// without one and found only by chunks that did embed.
func (m *Memory) AddDocumentChunks(ctx context.Context, p types.Principal, sessionID string, chunks []*DocumentChunk) error {
	s, err := m.GetSession(ctx, p, sessionID)
	if err != nil {
		return err
	}

	type prepared struct {
		chunk   *DocumentChunk
		embJSON any
	}
	batch := make([]prepared, 0, len(chunks))
	for _, c := range chunks {
		var embJSON any
		vec, err := m.embedder.Embed(ctx, c.Content)
		if err == nil {
			if b, merr := json.Marshal(vec); merr == nil {
				embJSON = string(b)
			}
		}
		batch = append(batch, prepared{chunk: c, embJSON: embJSON})
	}

	return m.store.WriteTx(ctx, m.store.Chat, func(tx *sql.Tx) error {
		for _, pc := range batch {
			c := pc.chunk
			res, err := tx.Exec(
				`INSERT INTO document_chunks (session_id, file_id, filename, chunk_index, total_chunks, content, embedding_json, team_id)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				sessionID, c.FileID, c.Filename, c.ChunkIndex, c.TotalChunks, c.Content, pc.embJSON, nullable(s.TeamID),
			)
			if err != nil {
				return fmt.Errorf("insert chunk %d of %s: %w", c.ChunkIndex, c.Filename, err)
			}
			c.ID, _ = res.LastInsertId()
			c.SessionID = sessionID
			c.TeamID = s.TeamID
		}
		return nil
	})
}

// SearchDocumentChunks loads all chunks of a session (sessions are
// bounded), ranks them by cosine similarity against the query, and returns
// the top limit matches.
func (m *Memory) SearchDocumentChunks(ctx context.Context, p types.Principal, sessionID, query string, limit int) ([]ChunkMatch, error) {
	if _, err := m.GetSession(ctx, p, sessionID); err != nil {
		return nil, err
	}

	queryVec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := m.store.Chat.QueryContext(ctx,
		`SELECT id, session_id, file_id, filename, chunk_index, total_chunks, content, embedding_json, team_id
		 FROM document_chunks WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []ChunkMatch
	for rows.Next() {
		var c DocumentChunk
		var embJSON, teamID sql.NullString
		if err := rows.Scan(&c.ID, &c.SessionID, &c.FileID, &c.Filename, &c.ChunkIndex,
			&c.TotalChunks, &c.Content, &embJSON, &teamID); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.TeamID = teamID.String

		vec := decodeEmbedding(embJSON)
		if vec == nil {
			// No stored embedding; compute on the fly.
			if vec, err = m.embedder.Embed(ctx, c.Content); err != nil {
				continue
			}
		}
		c.Embedding = vec
		matches = append(matches, ChunkMatch{Chunk: &c, Similarity: embedding.Cosine(queryVec, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// DeleteFileChunks removes every chunk of a file from a session.
func (m *Memory) DeleteFileChunks(ctx context.Context, p types.Principal, sessionID, fileID string) error {
	if _, err := m.GetSession(ctx, p, sessionID); err != nil {
		return err
	}
	return m.store.Write(func() error {
		_, err := m.store.Chat.ExecContext(ctx,
			"DELETE FROM document_chunks WHERE session_id = ? AND file_id = ?", sessionID, fileID)
		return err
	})
}

func decodeEmbedding(s sql.NullString) []float64 {
	if !s.Valid || s.String == "" {
		return nil
	}
	var vec []float64
	if err := json.Unmarshal([]byte(s.String), &vec); err != nil {
		return nil
	}
	return vec
}
