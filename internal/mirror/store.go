package mirror

// ============================================================================
// 職責說明：
// 1. 外部儲存：每個 subject 一筆 JSON 文件
// 2. 寫入語意為「不存在就新增，存在就 shallow merge」
// 3. PGStore 使用 jsonb || 運算子，在資料庫端完成合併
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ChuLiYu/beaver-audit/pkg/types"
)

// ErrNotFound 外部儲存中沒有該 subject
var ErrNotFound = errors.New("subject document not found")

// Document 只含有變更 top-level key 的文件
type Document map[string]json.RawMessage

// Store 外部儲存介面
type Store interface {
	Upsert(ctx context.Context, subjectID types.SubjectID, doc Document) error
}

// ============================================================================
// PostgreSQL
// ============================================================================

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS subject_results (
		subject_id TEXT PRIMARY KEY,
		data       JSONB NOT NULL DEFAULT '{}'::jsonb,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)
`

const upsertSQL = `
	INSERT INTO subject_results (subject_id, data)
	VALUES ($1, $2::jsonb)
	ON CONFLICT (subject_id) DO UPDATE SET
		data = subject_results.data || EXCLUDED.data,
		updated_at = CURRENT_TIMESTAMP
`

// PGStore 以 PostgreSQL jsonb 欄位保存文件
type PGStore struct {
	pool *pgxpool.Pool
}

// Connect 建立連線池並測試連線
func Connect(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PGStore{pool: pool}, nil
}

// NewPGStore 使用既有的連線池
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// EnsureSchema 建立資料表（冪等）
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create subject_results: %w", err)
	}
	return nil
}

// Upsert 新增或 shallow merge 文件
func (s *PGStore) Upsert(ctx context.Context, subjectID types.SubjectID, doc Document) error {
	if len(doc) == 0 {
		return nil
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	if _, err := s.pool.Exec(ctx, upsertSQL, string(subjectID), string(body)); err != nil {
		return fmt.Errorf("failed to upsert subject %s: %w", subjectID, err)
	}
	return nil
}

// Get 讀取整份文件
func (s *PGStore) Get(ctx context.Context, subjectID types.SubjectID) (Document, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM subject_results WHERE subject_id = $1`, string(subjectID),
	).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subject %s: %w", subjectID, err)
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode subject %s: %w", subjectID, err)
	}
	return doc, nil
}

// Close 關閉連線池
func (s *PGStore) Close() {
	s.pool.Close()
}

// ============================================================================
// 未設定資料庫時
// ============================================================================

// LogStore 只記錄日誌，不寫入任何地方
type LogStore struct {
	Logger *slog.Logger
}

// Upsert 記錄收到的 key
func (s LogStore) Upsert(_ context.Context, subjectID types.SubjectID, doc Document) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	l.Debug("mirror disabled, patch not stored", "subject", subjectID, "keys", keys)
	return nil
}
