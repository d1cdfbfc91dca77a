package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/rcliao/troupe-memory/internal/embedding"
	"github.com/rcliao/troupe-memory/internal/metrics"
	"github.com/rcliao/troupe-memory/internal/model"
	"github.com/rcliao/troupe-memory/internal/similarity"
)

// timeLayout is fixed-width so that timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const metaModelKey = "embedding_model"

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	path     string
	embedder embedding.Embedder
	index    similarity.Index
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	// writeMu serializes writers within the process; SQLite's busy timeout
	// covers writers in other processes.
	writeMu sync.Mutex
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l *zap.Logger) Option {
	return func(s *SQLiteStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *SQLiteStore) { s.metrics = c }
}

// WithClock overrides the time source used for record timestamps and
// consolidation cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIndex replaces the brute-force similarity index.
func WithIndex(idx similarity.Index) Option {
	return func(s *SQLiteStore) {
		if idx != nil {
			s.index = idx
		}
	}
}

// PathFor returns the database file of an agent's memory inside dir.
func PathFor(dir, agent string) string {
	return filepath.Join(dir, agent+"_memory.db")
}

// NewSQLiteStore opens or creates a SQLite database at the given path and
// binds it to the embedder's model.
func NewSQLiteStore(dbPath string, embedder embedding.Embedder, opts ...Option) (*SQLiteStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrValidation)
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create db dir: %w", ErrStorage, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %w", ErrStorage, err)
	}
	// Connections are acquired per operation and released afterwards.
	db.SetMaxIdleConns(0)

	s := &SQLiteStore{
		db:       db,
		path:     dbPath,
		embedder: embedder,
		index:    similarity.NewBruteForce(),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "memory_store"), zap.String("db", dbPath))

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %w", ErrStorage, err)
	}
	if err := s.bindModel(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		content      TEXT NOT NULL,
		source       TEXT NOT NULL,
		timestamp    TEXT NOT NULL,
		metadata     TEXT NOT NULL DEFAULT '{}',
		embedding    BLOB NOT NULL,
		type         TEXT NOT NULL CHECK (type IN ('episodic', 'semantic')),
		consolidated INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_memories_eligible ON memories(type, consolidated, timestamp);

	CREATE TABLE IF NOT EXISTS store_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TRIGGER IF NOT EXISTS memories_immutable
	BEFORE UPDATE OF content, source, timestamp, metadata, embedding, type ON memories
	BEGIN
		SELECT RAISE(ABORT, 'memory records are immutable');
	END;

	CREATE TRIGGER IF NOT EXISTS memories_consolidated_monotonic
	BEFORE UPDATE OF consolidated ON memories
	WHEN OLD.consolidated = 1 AND NEW.consolidated = 0
	BEGIN
		SELECT RAISE(ABORT, 'consolidated flag cannot be cleared');
	END;
	`
	_, err := s.db.Exec(schema)
	return err
}

// bindModel records the embedder's model on first open and rejects a
// different model afterwards. Concurrent first opens race on the insert, so
// the stored value is always read back.
func (s *SQLiteStore) bindModel() error {
	want := s.embedder.Model()

	if _, err := s.db.Exec(`INSERT OR IGNORE INTO store_meta (key, value) VALUES (?, ?)`, metaModelKey, want); err != nil {
		return fmt.Errorf("%w: bind model: %w", ErrStorage, err)
	}

	var bound string
	if err := s.db.QueryRow(`SELECT value FROM store_meta WHERE key = ?`, metaModelKey).Scan(&bound); err != nil {
		return fmt.Errorf("%w: read model binding: %w", ErrStorage, err)
	}
	if bound != want {
		return fmt.Errorf("%w: store %s uses %q, embedder is %q", ErrModelMismatch, s.path, bound, want)
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Model returns the embedding model the store is bound to.
func (s *SQLiteStore) Model() string { return s.embedder.Model() }

func (s *SQLiteStore) Put(ctx context.Context, p PutParams) (*model.Record, error) {
	rec, blob, err := s.prepare(ctx, p)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	rec.Timestamp = s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.metrics.StoreFailed("storage")
		return nil, fmt.Errorf("%w: begin: %w", ErrStorage, err)
	}
	defer tx.Rollback()

	if err := insertRecord(ctx, tx, rec, blob); err != nil {
		s.metrics.StoreFailed("storage")
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		s.metrics.StoreFailed("storage")
		return nil, fmt.Errorf("%w: commit: %w", ErrStorage, err)
	}

	s.metrics.RecordStored(string(rec.Type))
	s.logger.Debug("memory stored",
		zap.Int64("id", rec.ID),
		zap.String("type", string(rec.Type)),
		zap.String("source", rec.Source))
	return rec, nil
}

// prepare validates p and computes the record and its encoded embedding.
// Nothing is written and the timestamp is left unset.
func (s *SQLiteStore) prepare(ctx context.Context, p PutParams) (*model.Record, []byte, error) {
	if strings.TrimSpace(p.Content) == "" {
		s.metrics.StoreFailed("validation")
		return nil, nil, fmt.Errorf("%w: content is empty", ErrValidation)
	}
	t, ok := model.ParseType(string(p.Type))
	if !ok {
		s.metrics.StoreFailed("validation")
		return nil, nil, fmt.Errorf("%w: unknown memory type %q", ErrValidation, p.Type)
	}
	_, meta, err := encodeMetadata(p.Metadata)
	if err != nil {
		s.metrics.StoreFailed("validation")
		return nil, nil, fmt.Errorf("%w: metadata: %w", ErrValidation, err)
	}

	vec, blob, err := s.embed(ctx, p.Content)
	if err != nil {
		s.metrics.StoreFailed("provider")
		return nil, nil, err
	}

	rec := &model.Record{
		Content:   p.Content,
		Source:    p.Source,
		Metadata:  meta,
		Embedding: vec,
		Type:      t,
	}
	return rec, blob, nil
}

// embed computes and encodes the embedding of text. A vector whose length
// differs from the embedder's declared Dims is rejected.
func (s *SQLiteStore) embed(ctx context.Context, text string) (embedding.Vector, []byte, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: embed: %w", ErrProvider, err)
	}
	if d := s.embedder.Dims(); d > 0 && len(vec) != d {
		return nil, nil, fmt.Errorf("%w: embedding has %d dimensions, %s declares %d",
			ErrProvider, len(vec), s.embedder.Model(), d)
	}
	blob, err := embedding.EncodeVector(vec)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}
	return vec, blob, nil
}

// insertRecord writes rec inside tx and sets rec.ID.
func insertRecord(ctx context.Context, tx *sql.Tx, rec *model.Record, blob []byte) error {
	metaJSON, _, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return fmt.Errorf("%w: metadata: %w", ErrValidation, err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO memories (content, source, timestamp, metadata, embedding, type, consolidated)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Content, rec.Source, rec.Timestamp.UTC().Format(timeLayout), metaJSON, blob,
		string(rec.Type), boolToInt(rec.Consolidated))
	if err != nil {
		return fmt.Errorf("%w: insert memory: %w", ErrStorage, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: insert memory: %w", ErrStorage, err)
	}
	rec.ID = id
	return nil
}

// encodeMetadata serializes m and returns the decoded form, so callers see
// the same value types a later read would produce.
func encodeMetadata(m model.Metadata) (string, model.Metadata, error) {
	if m == nil {
		return "{}", model.Metadata{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", nil, err
	}
	var out model.Metadata
	if err := json.Unmarshal(b, &out); err != nil {
		return "", nil, err
	}
	return string(b), out, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM memories WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, p ListParams) ([]model.Record, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	where := []string{"1 = 1"}
	var args []interface{}
	if p.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(p.Type))
	}
	if p.Consolidated != nil {
		where = append(where, "consolidated = ?")
		args = append(args, boolToInt(*p.Consolidated))
	}
	args = append(args, limit)

	query := `SELECT ` + recordColumns + ` FROM memories WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY id LIMIT ?`
	return s.queryRecords(ctx, 0, query, args...)
}

// Clear removes every record. Ids are not reused afterwards.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories`); err != nil {
		return fmt.Errorf("%w: clear: %w", ErrStorage, err)
	}
	s.logger.Info("memory cleared")
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const recordColumns = `id, content, source, timestamp, metadata, embedding, type, consolidated`

// queryRecords runs query and decodes every row. Rows that fail to decode,
// or whose embedding has a dimension other than dims (when dims > 0), are
// logged and skipped.
func (s *SQLiteStore) queryRecords(ctx context.Context, dims int, query string, args ...interface{}) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %w", ErrStorage, err)
	}
	defer rows.Close()

	records := []model.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if errors.Is(err, ErrIntegrity) {
			s.skipCorrupt(rec.ID, err)
			continue
		}
		if err != nil {
			return nil, err
		}
		if dims > 0 && len(rec.Embedding) != dims {
			s.skipCorrupt(rec.ID, fmt.Errorf("%w: embedding has %d dimensions, want %d",
				ErrIntegrity, len(rec.Embedding), dims))
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate: %w", ErrStorage, err)
	}
	return records, nil
}

func (s *SQLiteStore) skipCorrupt(id int64, err error) {
	s.metrics.CorruptEmbedding()
	s.logger.Warn("skipping corrupt memory record", zap.Int64("id", id), zap.Error(err))
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanRecord decodes one row. Decode failures wrap ErrIntegrity and still
// return the record id.
func scanRecord(row scanner) (model.Record, error) {
	var rec model.Record
	var ts, meta, typ string
	var blob []byte
	var consolidated int

	err := row.Scan(&rec.ID, &rec.Content, &rec.Source, &ts, &meta, &blob, &typ, &consolidated)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, err
	}
	if err != nil {
		return rec, fmt.Errorf("%w: scan: %w", ErrStorage, err)
	}

	rec.Type = model.Type(typ)
	rec.Consolidated = consolidated != 0

	rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return rec, fmt.Errorf("%w: timestamp: %w", ErrIntegrity, err)
	}
	if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
		return rec, fmt.Errorf("%w: metadata: %w", ErrIntegrity, err)
	}
	if rec.Metadata == nil {
		rec.Metadata = model.Metadata{}
	}
	rec.Embedding, err = embedding.DecodeVector(blob)
	if err != nil {
		return rec, fmt.Errorf("%w: %w", ErrIntegrity, err)
	}
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
