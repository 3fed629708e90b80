package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"lerian-timeline-engine/internal/apperrors"
	"lerian-timeline-engine/internal/types"
)

// Dialect selects the SQL flavor for the relational backends
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// OpenDB opens a database handle for the given dialect. The caller owns
// the handle; both SQL stores may share one.
func OpenDB(dialect Dialect, dsn string) (*sql.DB, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite3"
	case DialectPostgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unknown dialect: %s", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect, err)
	}
	return db, nil
}

// rebind rewrites ? placeholders to $n for postgres
func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

func storeUnavailable(op string, err error) error {
	return apperrors.Wrap(apperrors.KindStoreUnavailable, op+" failed", err)
}

// SQLMessageStore implements MessageStore on SQLite or PostgreSQL
type SQLMessageStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLMessageStore creates the messages table if needed
func NewSQLMessageStore(db *sql.DB, dialect Dialect) (*SQLMessageStore, error) {
	ddl := `CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		parent_message_id TEXT NOT NULL DEFAULT ''
	)`
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("failed to create messages table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`); err != nil {
		return nil, fmt.Errorf("failed to create messages session index: %w", err)
	}
	return &SQLMessageStore{db: db, dialect: dialect}, nil
}

// Put persists a message; fails with DUPLICATE if the id exists
func (s *SQLMessageStore) Put(ctx context.Context, msg *types.Message) error {
	if err := msg.Validate(); err != nil {
		return apperrors.Wrap(apperrors.KindBadInput, "invalid message", err)
	}

	query := rebind(s.dialect,
		`INSERT INTO messages (id, session_id, role, content, timestamp, parent_message_id) VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, msg.Timestamp, msg.ParentMessageID)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Newf(apperrors.KindDuplicate, "message %s already exists", msg.ID)
		}
		return storeUnavailable("message insert", err)
	}
	return nil
}

// GetByID returns the message or NOT_FOUND
func (s *SQLMessageStore) GetByID(ctx context.Context, id string) (*types.Message, error) {
	query := rebind(s.dialect,
		`SELECT id, session_id, role, content, timestamp, parent_message_id FROM messages WHERE id = ?`)
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.Newf(apperrors.KindNotFound, "message %s not found", id)
		}
		return nil, storeUnavailable("message lookup", err)
	}
	return msg, nil
}

// ListBySession returns all session messages
func (s *SQLMessageStore) ListBySession(ctx context.Context, sessionID string) ([]types.Message, error) {
	query := rebind(s.dialect,
		`SELECT id, session_id, role, content, timestamp, parent_message_id FROM messages WHERE session_id = ?`)
	return s.queryMessages(ctx, query, sessionID)
}

// ListBySessionChrono returns session messages in chronological order
func (s *SQLMessageStore) ListBySessionChrono(ctx context.Context, sessionID string) ([]types.Message, error) {
	query := rebind(s.dialect,
		`SELECT id, session_id, role, content, timestamp, parent_message_id FROM messages WHERE session_id = ? ORDER BY timestamp ASC, id ASC`)
	return s.queryMessages(ctx, query, sessionID)
}

// ListAll returns every stored message in chronological order
func (s *SQLMessageStore) ListAll(ctx context.Context) ([]types.Message, error) {
	query := `SELECT id, session_id, role, content, timestamp, parent_message_id FROM messages ORDER BY timestamp ASC, id ASC`
	return s.queryMessages(ctx, query)
}

// SetParent rewrites a message's parent link
func (s *SQLMessageStore) SetParent(ctx context.Context, id, parentID string) error {
	query := rebind(s.dialect, `UPDATE messages SET parent_message_id = ? WHERE id = ?`)
	result, err := s.db.ExecContext(ctx, query, parentID, id)
	if err != nil {
		return storeUnavailable("message update", err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return apperrors.Newf(apperrors.KindNotFound, "message %s not found", id)
	}
	return nil
}

// DeleteBySession removes all session messages
func (s *SQLMessageStore) DeleteBySession(ctx context.Context, sessionID string) error {
	query := rebind(s.dialect, `DELETE FROM messages WHERE session_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, sessionID); err != nil {
		return storeUnavailable("message delete", err)
	}
	return nil
}

// HealthCheck pings the database
func (s *SQLMessageStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the shared handle is closed by its owner
func (s *SQLMessageStore) Close() error { return nil }

func (s *SQLMessageStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeUnavailable("message query", err)
	}
	defer func() { _ = rows.Close() }()

	var result []types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, storeUnavailable("message scan", err)
		}
		result = append(result, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storeUnavailable("message query", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var msg types.Message
	var role string
	if err := row.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.Timestamp, &msg.ParentMessageID); err != nil {
		return nil, err
	}
	msg.Role = types.Role(role)
	return &msg, nil
}

// SQLVectorIndex implements VectorIndex on SQLite or PostgreSQL. Vectors
// are stored JSON-encoded and scored in process; exact scan is fine at the
// expected scale.
type SQLVectorIndex struct {
	db        *sql.DB
	dialect   Dialect
	dimension int
}

// NewSQLVectorIndex creates the chunks table if needed
func NewSQLVectorIndex(db *sql.DB, dialect Dialect, dimension int) (*SQLVectorIndex, error) {
	vectorType := "BLOB"
	if dialect == DialectPostgres {
		vectorType = "BYTEA"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
		chunk_id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		vector %s NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		UNIQUE (message_id, chunk_index)
	)`, vectorType)
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("failed to create chunks table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_chunks_session ON chunks(session_id)`); err != nil {
		return nil, fmt.Errorf("failed to create chunks session index: %w", err)
	}
	return &SQLVectorIndex{db: db, dialect: dialect, dimension: dimension}, nil
}

// PutBatch inserts chunks in one transaction so indexing stays
// all-or-nothing per message
func (idx *SQLVectorIndex) PutBatch(ctx context.Context, chunks []types.ChunkEmbedding) error {
	for i := range chunks {
		if err := chunks[i].Validate(idx.dimension); err != nil {
			return apperrors.Wrap(apperrors.KindBadInput, "invalid chunk", err)
		}
		if chunks[i].Pending() {
			return apperrors.Newf(apperrors.KindBadInput, "chunk %s has no vector", chunks[i].ChunkID)
		}
	}

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return storeUnavailable("chunk insert", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := rebind(idx.dialect,
		`INSERT INTO chunks (chunk_id, message_id, session_id, chunk_index, text, vector, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	for i := range chunks {
		vector, err := json.Marshal(chunks[i].Vector)
		if err != nil {
			return apperrors.Internal("vector encode failed", err)
		}
		if _, err := tx.ExecContext(ctx, query,
			chunks[i].ChunkID, chunks[i].MessageID, chunks[i].SessionID,
			chunks[i].ChunkIndex, chunks[i].Text, vector, chunks[i].Timestamp); err != nil {
			if isUniqueViolation(err) {
				return apperrors.Newf(apperrors.KindDuplicate,
					"chunk ordinal %d already indexed for message %s", chunks[i].ChunkIndex, chunks[i].MessageID)
			}
			return storeUnavailable("chunk insert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeUnavailable("chunk insert", err)
	}
	return nil
}

// Search loads candidate chunks and scores them in process
func (idx *SQLVectorIndex) Search(ctx context.Context, opts SearchOptions) ([]types.ScoredChunk, error) {
	if len(opts.QueryVector) != idx.dimension {
		return nil, apperrors.Newf(apperrors.KindBadInput,
			"query vector has %d components, want %d", len(opts.QueryVector), idx.dimension)
	}

	var candidates []types.ChunkEmbedding
	var err error
	if opts.SessionID != "" {
		candidates, err = idx.GetBySession(ctx, opts.SessionID)
	} else {
		candidates, err = idx.queryChunks(ctx,
			`SELECT chunk_id, message_id, session_id, chunk_index, text, vector, timestamp FROM chunks`)
	}
	if err != nil {
		return nil, err
	}

	scored := make([]types.ScoredChunk, 0, len(candidates))
	for i := range candidates {
		if opts.ExcludeMessageID != "" && candidates[i].MessageID == opts.ExcludeMessageID {
			continue
		}
		cosine := CosineSimilarity(opts.QueryVector, candidates[i].Vector)
		score := compositeScore(cosine, opts.QueryText, candidates[i].Text, opts.CosineWeight, opts.LexicalWeight)
		if score < opts.Threshold {
			continue
		}
		scored = append(scored, types.ScoredChunk{Chunk: candidates[i], Score: score})
	}

	rankScoredChunks(scored)
	if opts.Limit > 0 && len(scored) > opts.Limit {
		scored = scored[:opts.Limit]
	}
	return scored, nil
}

// GetNeighbors returns the ordinal window around a chunk within its message
func (idx *SQLVectorIndex) GetNeighbors(ctx context.Context, messageID string, chunkIndex, before, after int) ([]types.ChunkEmbedding, error) {
	lo := chunkIndex - before
	if lo < 0 {
		lo = 0
	}
	hi := chunkIndex + after
	query := rebind(idx.dialect,
		`SELECT chunk_id, message_id, session_id, chunk_index, text, vector, timestamp FROM chunks
		 WHERE message_id = ? AND chunk_index >= ? AND chunk_index <= ? ORDER BY chunk_index ASC`)
	return idx.queryChunks(ctx, query, messageID, lo, hi)
}

// GetByMessage returns the message's chunks in ascending ordinal order
func (idx *SQLVectorIndex) GetByMessage(ctx context.Context, messageID string) ([]types.ChunkEmbedding, error) {
	query := rebind(idx.dialect,
		`SELECT chunk_id, message_id, session_id, chunk_index, text, vector, timestamp FROM chunks
		 WHERE message_id = ? ORDER BY chunk_index ASC`)
	return idx.queryChunks(ctx, query, messageID)
}

// GetBySession returns the session's chunks ordered by timestamp then ordinal
func (idx *SQLVectorIndex) GetBySession(ctx context.Context, sessionID string) ([]types.ChunkEmbedding, error) {
	query := rebind(idx.dialect,
		`SELECT chunk_id, message_id, session_id, chunk_index, text, vector, timestamp FROM chunks
		 WHERE session_id = ? ORDER BY timestamp ASC, chunk_index ASC`)
	return idx.queryChunks(ctx, query, sessionID)
}

// DeleteByMessage removes all chunks of a message
func (idx *SQLVectorIndex) DeleteByMessage(ctx context.Context, messageID string) error {
	query := rebind(idx.dialect, `DELETE FROM chunks WHERE message_id = ?`)
	if _, err := idx.db.ExecContext(ctx, query, messageID); err != nil {
		return storeUnavailable("chunk delete", err)
	}
	return nil
}

// DeleteBySession removes all chunks of a session
func (idx *SQLVectorIndex) DeleteBySession(ctx context.Context, sessionID string) error {
	query := rebind(idx.dialect, `DELETE FROM chunks WHERE session_id = ?`)
	if _, err := idx.db.ExecContext(ctx, query, sessionID); err != nil {
		return storeUnavailable("chunk delete", err)
	}
	return nil
}

// CountBySession returns the number of chunks indexed for a session
func (idx *SQLVectorIndex) CountBySession(ctx context.Context, sessionID string) (int, error) {
	query := rebind(idx.dialect, `SELECT COUNT(*) FROM chunks WHERE session_id = ?`)
	var count int
	if err := idx.db.QueryRowContext(ctx, query, sessionID).Scan(&count); err != nil {
		return 0, storeUnavailable("chunk count", err)
	}
	return count, nil
}

// Stats summarizes index contents
func (idx *SQLVectorIndex) Stats(ctx context.Context) (*types.VectorStats, error) {
	stats := &types.VectorStats{
		ChunksBySession: make(map[string]int),
		ChunksByMessage: make(map[string]int),
	}

	rows, err := idx.db.QueryContext(ctx, `SELECT session_id, message_id, COUNT(*) FROM chunks GROUP BY session_id, message_id`)
	if err != nil {
		return nil, storeUnavailable("chunk stats", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var sessionID, messageID string
		var count int
		if err := rows.Scan(&sessionID, &messageID, &count); err != nil {
			return nil, storeUnavailable("chunk stats", err)
		}
		stats.ChunksBySession[sessionID] += count
		stats.ChunksByMessage[messageID] += count
		stats.TotalChunks += count
	}
	if err := rows.Err(); err != nil {
		return nil, storeUnavailable("chunk stats", err)
	}
	return stats, nil
}

// HealthCheck pings the database
func (idx *SQLVectorIndex) HealthCheck(ctx context.Context) error {
	return idx.db.PingContext(ctx)
}

// Close is a no-op; the shared handle is closed by its owner
func (idx *SQLVectorIndex) Close() error { return nil }

func (idx *SQLVectorIndex) queryChunks(ctx context.Context, query string, args ...interface{}) ([]types.ChunkEmbedding, error) {
	rows, err := idx.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeUnavailable("chunk query", err)
	}
	defer func() { _ = rows.Close() }()

	var result []types.ChunkEmbedding
	for rows.Next() {
		var chunk types.ChunkEmbedding
		var vector []byte
		if err := rows.Scan(&chunk.ChunkID, &chunk.MessageID, &chunk.SessionID,
			&chunk.ChunkIndex, &chunk.Text, &vector, &chunk.Timestamp); err != nil {
			return nil, storeUnavailable("chunk scan", err)
		}
		if err := json.Unmarshal(vector, &chunk.Vector); err != nil {
			return nil, apperrors.Internal("vector decode failed", err)
		}
		result = append(result, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, storeUnavailable("chunk query", err)
	}
	return result, nil
}

var _ MessageStore = (*SQLMessageStore)(nil)
var _ VectorIndex = (*SQLVectorIndex)(nil)
