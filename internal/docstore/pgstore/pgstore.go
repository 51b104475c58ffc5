// Package pgstore は PostgreSQL の JSONB 列を使用した文書ストアを提供する。
//
// すべての文書は documents(collection, id, data) テーブルに格納される。
// 時刻は {"$date": "2006-01-02T15:04:05.000000Z"} 形式で保存し、
// ServerTimestamp は statement_timestamp() で書き込む。
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/hitoshi/dashboard/internal/docstore"
)

func init() {
	docstore.Register("postgres", func(ctx context.Context, cfg docstore.Config) (docstore.Store, error) {
		return Open(ctx, cfg.URI)
	})
}

const table = "documents"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store は PostgreSQL の文書ストア。
type Store struct {
	db *sqlx.DB
}

// Open は PostgreSQL に接続し、疎通を確認してから Store を返す。
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return New(db), nil
}

// New は接続済みの DB から Store を生成する。
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

type documentRow struct {
	ID   string `db:"id"`
	Data []byte `db:"data"`
}

// Get は文書を取得する。存在しない場合は (nil, nil) を返す。
func (s *Store) Get(ctx context.Context, collection, id string) (*docstore.Snapshot, error) {
	query, args, err := psql.Select("id", "data").
		From(table).
		Where(sq.Eq{"collection": collection, "id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	var row documentRow
	err = s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toSnapshot(row)
}

// Set は文書全体を書き込む。既存の文書は置き換えられる。
func (s *Store) Set(ctx context.Context, collection, id string, data docstore.Data) error {
	body, stamps, err := encodeDocument(data)
	if err != nil {
		return err
	}

	expr := "?::jsonb"
	args := []any{string(body)}
	for _, path := range stamps {
		expr = fmt.Sprintf("jsonb_set(%s, ?::text[], %s, true)", expr, serverTimestampSQL)
		args = append(args, pq.Array(path))
	}

	query, qargs, err := psql.Insert(table).
		Columns("collection", "id", "data").
		Values(collection, id, sq.Expr(expr, args...)).
		Suffix("ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query, qargs...)
	return err
}

// Update は既存文書の指定フィールドのみを jsonb_set で書き換える。
func (s *Store) Update(ctx context.Context, collection, id string, updates []docstore.Update) error {
	if len(updates) == 0 {
		return fmt.Errorf("%w: no fields to update", docstore.ErrInvalidPath)
	}

	expr := "data"
	var args []any
	for _, u := range updates {
		segs, err := docstore.SplitPath(u.Path)
		if err != nil {
			return err
		}
		switch {
		case docstore.IsDeleteField(u.Value):
			expr = fmt.Sprintf("(%s #- ?::text[])", expr)
			args = append(args, pq.Array(segs))
		case docstore.IsServerTimestamp(u.Value):
			expr = fmt.Sprintf("jsonb_set(%s, ?::text[], %s, true)", expr, serverTimestampSQL)
			args = append(args, pq.Array(segs))
		default:
			val, err := marshalValue(u.Value)
			if err != nil {
				return err
			}
			expr = fmt.Sprintf("jsonb_set(%s, ?::text[], ?::jsonb, true)", expr)
			args = append(args, pq.Array(segs), val)
		}
	}

	query, qargs, err := psql.Update(table).
		Set("data", sq.Expr(expr, args...)).
		Where(sq.Eq{"collection": collection, "id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, qargs...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, collection, id)
	}
	return nil
}

// Delete は文書を削除する。
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	query, args, err := psql.Delete(table).
		Where(sq.Eq{"collection": collection, "id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// Query は等価条件に一致する文書を返す。
// 並べ替えは値のテキスト表現で行うため、時刻と文字列のフィールドを対象とする。
func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Snapshot, error) {
	b := psql.Select("id", "data").
		From(table).
		Where(sq.Eq{"collection": q.Collection})

	if len(q.Filters) > 0 {
		filter, err := containment(q.Filters)
		if err != nil {
			return nil, err
		}
		b = b.Where("data @> ?::jsonb", filter)
	}

	if q.OrderBy != "" {
		segs, err := docstore.SplitPath(q.OrderBy)
		if err != nil {
			return nil, err
		}
		dir := "ASC"
		if q.Direction == docstore.Descending {
			dir = "DESC"
		}
		datePath := append(append([]string{}, segs...), dateKey)
		b = b.OrderByClause(
			fmt.Sprintf(`COALESCE(data #>> ?::text[], data #>> ?::text[]) COLLATE "C" %s, id %s`, dir, dir),
			pq.Array(datePath), pq.Array(segs),
		)
	}

	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var rows []documentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	out := make([]docstore.Snapshot, 0, len(rows))
	for _, row := range rows {
		snap, err := toSnapshot(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, nil
}

// NewID は UUID を新しい文書IDとして返す。
func (s *Store) NewID(collection string) string {
	return uuid.NewString()
}

// Close は接続を閉じる。
func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

// Ping は疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toSnapshot(row documentRow) (*docstore.Snapshot, error) {
	data, err := decodeDocument(row.Data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", strings.TrimSpace(row.ID), err)
	}
	return &docstore.Snapshot{ID: row.ID, Data: data}, nil
}

// compile-time interface check
var _ docstore.Store = (*Store)(nil)
