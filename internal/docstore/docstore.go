// Package docstore はリモートの文書データベースへのアクセスを抽象化する。
//
// 文書はコレクション名と文書IDで識別される入れ子のキー・値マップである。
// バックエンド（MongoDB、PostgreSQL JSONB、プロセス内エミュレータ）は
// Register で名前付きドライバとして登録され、Open で一度だけ初期化される。
package docstore

import (
	"context"
	"errors"
)

// ErrNotFound は更新対象の文書が存在しない場合に返される。
var ErrNotFound = errors.New("docstore: document not found")

// ErrInvalidPath はフィールドパスが不正な場合に返される。
var ErrInvalidPath = errors.New("docstore: invalid field path")

// Data は文書の内容を表す。入れ子のグループは map[string]any で表現する。
type Data map[string]any

// Snapshot は読み取った文書を表す。
type Snapshot struct {
	ID   string
	Data Data
}

// Update は1つのフィールドへの更新を表す。
// Path はドット区切りのフィールドパス（例: "notifications.push"）で、
// 指定された葉のみを書き換え兄弟フィールドは保持される。
// Value に ServerTimestamp を指定するとストアの時刻が書き込まれ、
// DeleteField を指定するとフィールドが削除される。
type Update struct {
	Path  string
	Value any
}

// Filter は等価条件を表す。
type Filter struct {
	Field string
	Value any
}

// Direction はソート順を表す。
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// Query はコレクションに対する検索条件を表す。
// Limit が0以下の場合は件数を制限しない。
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Direction  Direction
	Limit      int
}

// Store はリモート文書データベースのインターフェース。
// すべての操作はトランスポート障害時にエラーを返し、再試行は行わない。
type Store interface {
	// Get は文書を取得する。存在しない場合は (nil, nil) を返す。
	Get(ctx context.Context, collection, id string) (*Snapshot, error)
	// Set は文書全体を書き込む。既存の文書は置き換えられる。
	Set(ctx context.Context, collection, id string, data Data) error
	// Update は既存文書の指定フィールドのみを書き換える。
	// 文書が存在しない場合は ErrNotFound を返す。
	Update(ctx context.Context, collection, id string, updates []Update) error
	// Delete は文書を削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, collection, id string) error
	// Query は条件に一致する文書を返す。
	Query(ctx context.Context, q Query) ([]Snapshot, error)
	// NewID はコレクション内で一意な新しい文書IDを生成する。
	NewID(collection string) string
	// Close は接続を解放する。
	Close(ctx context.Context) error
}

type serverTimestamp struct{}

type deleteField struct{}

// ServerTimestamp は書き込み時にストアの時刻で置き換えられる値。
var ServerTimestamp any = serverTimestamp{}

// DeleteField は Update で指定したフィールドを削除する値。
var DeleteField any = deleteField{}

// IsServerTimestamp は v が ServerTimestamp かどうかを返す。
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// IsDeleteField は v が DeleteField かどうかを返す。
func IsDeleteField(v any) bool {
	_, ok := v.(deleteField)
	return ok
}
