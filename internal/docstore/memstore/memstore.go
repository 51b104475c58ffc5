// Package memstore はプロセス内で動作する文書ストアのエミュレータを提供する。
// ローカル開発（DOCSTORE_DRIVER=memory）とテストで使用する。
package memstore

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/dashboard/internal/docstore"
)

func init() {
	docstore.Register("memory", func(ctx context.Context, cfg docstore.Config) (docstore.Store, error) {
		return New(), nil
	})
}

// Option は Store の生成オプション。
type Option func(*Store)

// WithClock はサーバー時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator は文書IDの生成関数を差し替える。
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// Store はメモリ上の文書ストア。
// サーバー時刻はミリ秒精度で単調増加し、同一呼び出し内のすべての
// ServerTimestamp には同じ時刻が書き込まれる。
type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]docstore.Data
	now         func() time.Time
	newID       func() string
	last        time.Time
}

// New は空の Store を生成する。
func New(opts ...Option) *Store {
	s := &Store{
		collections: map[string]map[string]docstore.Data{},
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// serverTime は前回より厳密に後の時刻を返す。呼び出し側でロックを保持すること。
func (s *Store) serverTime() docstore.Timestamp {
	t := s.now().UTC().Truncate(time.Millisecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Millisecond)
	}
	s.last = t
	return docstore.NewTimestamp(t)
}

// Get は文書を取得する。存在しない場合は (nil, nil) を返す。
func (s *Store) Get(ctx context.Context, collection, id string) (*docstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, nil
	}
	return &docstore.Snapshot{ID: id, Data: docstore.Clone(doc)}, nil
}

// Set は文書全体を書き込む。
func (s *Store) Set(ctx context.Context, collection, id string, data docstore.Data) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.serverTime()
	doc, _ := resolveSentinels(data, ts).(map[string]any)
	if _, ok := s.collections[collection]; !ok {
		s.collections[collection] = map[string]docstore.Data{}
	}
	s.collections[collection][id] = docstore.Data(doc)
	return nil
}

// Update は既存文書の指定フィールドのみを書き換える。
func (s *Store) Update(ctx context.Context, collection, id string, updates []docstore.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	paths := make([][]string, len(updates))
	for i, u := range updates {
		segs, err := docstore.SplitPath(u.Path)
		if err != nil {
			return err
		}
		paths[i] = segs
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.collections[collection][id]
	if !ok {
		return fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, collection, id)
	}

	ts := s.serverTime()
	for i, u := range updates {
		if docstore.IsDeleteField(u.Value) {
			docstore.DeletePath(doc, paths[i])
			continue
		}
		docstore.SetPath(doc, paths[i], resolveSentinels(u.Value, ts))
	}
	return nil
}

// Delete は文書を削除する。
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.collections[collection], id)
	return nil
}

// Query は等価条件に一致する文書を並べ替えて返す。
// 並べ替えキーが同値の場合は文書IDの昇順で安定化する。
func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []docstore.Snapshot
	for id, doc := range s.collections[q.Collection] {
		if matches(doc, q.Filters) {
			out = append(out, docstore.Snapshot{ID: id, Data: docstore.Clone(doc)})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if q.OrderBy != "" {
			a, _ := docstore.Lookup(out[i].Data, q.OrderBy)
			b, _ := docstore.Lookup(out[j].Data, q.OrderBy)
			if c := compareValues(a, b); c != 0 {
				if q.Direction == docstore.Descending {
					return c > 0
				}
				return c < 0
			}
		}
		return out[i].ID < out[j].ID
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// NewID は新しい文書IDを生成する。
func (s *Store) NewID(collection string) string {
	return s.newID()
}

// Close は何もしない。
func (s *Store) Close(ctx context.Context) error {
	return nil
}

// Len はコレクション内の文書数を返す。
func (s *Store) Len(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collections[collection])
}

// resolveSentinels は ServerTimestamp を ts に置き換えた深いコピーを返す。
// DeleteField を値に持つキーは取り除かれる。
func resolveSentinels(v any, ts docstore.Timestamp) any {
	if docstore.IsServerTimestamp(v) {
		return ts
	}
	m, ok := docstore.AsMap(v)
	if !ok {
		return docstore.CloneValue(v)
	}
	out := make(map[string]any, len(m))
	for k, e := range m {
		if docstore.IsDeleteField(e) {
			continue
		}
		out[k] = resolveSentinels(e, ts)
	}
	return out
}

func matches(doc docstore.Data, filters []docstore.Filter) bool {
	for _, f := range filters {
		v, ok := docstore.Lookup(doc, f.Field)
		if !ok || !reflect.DeepEqual(v, f.Value) {
			return false
		}
	}
	return true
}

// compareValues は並べ替え用に2つの値を比較する。
// 欠損値は常に最小として扱う。
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if ta, ok := docstore.ResolveTime(a); ok {
		if tb, ok := docstore.ResolveTime(b); ok {
			return ta.Compare(tb)
		}
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// compile-time interface check
var _ docstore.Store = (*Store)(nil)
