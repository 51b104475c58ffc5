// Package mongostore は MongoDB を使用した文書ストアを提供する。
//
// コレクションは MongoDB のコレクションに、文書IDは _id に対応する。
// ServerTimestamp は作成時にパイプライン更新の $$NOW、部分更新時に
// $currentDate で書き込まれ、時刻はすべてデータベースサーバーの時計で決まる。
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/hitoshi/dashboard/internal/docstore"
)

func init() {
	docstore.Register("mongodb", func(ctx context.Context, cfg docstore.Config) (docstore.Store, error) {
		return Open(ctx, cfg)
	})
}

// Store は MongoDB の文書ストア。
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Open は MongoDB に接続し、疎通を確認してから Store を返す。
func Open(ctx context.Context, cfg docstore.Config) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	return New(client, cfg.Database), nil
}

// New は接続済みのクライアントから Store を生成する。
func New(client *mongo.Client, database string) *Store {
	return &Store{client: client, db: client.Database(database)}
}

// Get は文書を取得する。存在しない場合は (nil, nil) を返す。
func (s *Store) Get(ctx context.Context, collection, id string) (*docstore.Snapshot, error) {
	var raw bson.M
	err := s.db.Collection(collection).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toSnapshot(raw), nil
}

// Set は文書全体を書き込む。既存の文書は置き換えられる。
func (s *Store) Set(ctx context.Context, collection, id string, data docstore.Data) error {
	_, err := s.db.Collection(collection).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		buildSetPipeline(id, data),
		options.Update().SetUpsert(true),
	)
	return err
}

// Update は既存文書の指定フィールドのみを書き換える。
func (s *Store) Update(ctx context.Context, collection, id string, updates []docstore.Update) error {
	update, err := buildUpdate(updates)
	if err != nil {
		return err
	}
	res, err := s.db.Collection(collection).UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, collection, id)
	}
	return nil
}

// Delete は文書を削除する。
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.Collection(collection).DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	return err
}

// Query は等価条件に一致する文書を返す。
func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Snapshot, error) {
	opts := options.Find()
	if q.OrderBy != "" {
		opts.SetSort(buildSort(q))
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := s.db.Collection(q.Collection).Find(ctx, buildFilter(q.Filters), opts)
	if err != nil {
		return nil, err
	}
	var raws []bson.M
	if err := cur.All(ctx, &raws); err != nil {
		return nil, err
	}

	out := make([]docstore.Snapshot, 0, len(raws))
	for _, raw := range raws {
		out = append(out, *toSnapshot(raw))
	}
	return out, nil
}

// NewID は ObjectID の16進表現を新しい文書IDとして返す。
func (s *Store) NewID(collection string) string {
	return primitive.NewObjectID().Hex()
}

// Close は接続を切断する。
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// buildSetPipeline は文書全体を置き換えるパイプライン更新を組み立てる。
// $literal で値中の "$" をフィールド参照として解釈させず、
// ServerTimestamp の位置には後段の $set で $$NOW を書き込む。
func buildSetPipeline(id string, data docstore.Data) mongo.Pipeline {
	var stamps bson.D
	literal := splitServerTimestamps(data, "", &stamps)
	literal["_id"] = id

	pipeline := mongo.Pipeline{
		{{Key: "$replaceWith", Value: bson.M{"$literal": literal}}},
	}
	if len(stamps) > 0 {
		sort.Slice(stamps, func(i, j int) bool { return stamps[i].Key < stamps[j].Key })
		pipeline = append(pipeline, bson.D{{Key: "$set", Value: stamps}})
	}
	return pipeline
}

func splitServerTimestamps(m map[string]any, prefix string, stamps *bson.D) bson.M {
	out := bson.M{}
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch {
		case docstore.IsServerTimestamp(v):
			*stamps = append(*stamps, bson.E{Key: path, Value: "$$NOW"})
		case docstore.IsDeleteField(v):
		default:
			if sub, ok := docstore.AsMap(v); ok {
				out[k] = splitServerTimestamps(sub, path, stamps)
				continue
			}
			out[k] = encodeValue(v)
		}
	}
	return out
}

// buildUpdate はフィールド単位の更新を $set / $unset / $currentDate に振り分ける。
func buildUpdate(updates []docstore.Update) (bson.D, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("%w: no fields to update", docstore.ErrInvalidPath)
	}
	var set, unset, current bson.D
	for _, u := range updates {
		if _, err := docstore.SplitPath(u.Path); err != nil {
			return nil, err
		}
		switch {
		case docstore.IsServerTimestamp(u.Value):
			current = append(current, bson.E{Key: u.Path, Value: true})
		case docstore.IsDeleteField(u.Value):
			unset = append(unset, bson.E{Key: u.Path, Value: ""})
		default:
			set = append(set, bson.E{Key: u.Path, Value: encodeValue(u.Value)})
		}
	}

	var update bson.D
	if len(set) > 0 {
		update = append(update, bson.E{Key: "$set", Value: set})
	}
	if len(unset) > 0 {
		update = append(update, bson.E{Key: "$unset", Value: unset})
	}
	if len(current) > 0 {
		update = append(update, bson.E{Key: "$currentDate", Value: current})
	}
	return update, nil
}

func buildFilter(filters []docstore.Filter) bson.D {
	filter := bson.D{}
	for _, f := range filters {
		filter = append(filter, bson.E{Key: f.Field, Value: encodeValue(f.Value)})
	}
	return filter
}

func buildSort(q docstore.Query) bson.D {
	dir := 1
	if q.Direction == docstore.Descending {
		dir = -1
	}
	return bson.D{{Key: q.OrderBy, Value: dir}, {Key: "_id", Value: dir}}
}

// encodeValue は BSON に直接エンコードできない値を変換する。
func encodeValue(v any) any {
	switch t := v.(type) {
	case docstore.Timestamp:
		return t.Time()
	case time.Time:
		return t.UTC()
	case map[string]any:
		out := bson.M{}
		for k, e := range t {
			out[k] = encodeValue(e)
		}
		return out
	case docstore.Data:
		return encodeValue(map[string]any(t))
	case []any:
		out := make(bson.A, len(t))
		for i, e := range t {
			out[i] = encodeValue(e)
		}
		return out
	}
	return v
}

func toSnapshot(raw bson.M) *docstore.Snapshot {
	id := fmt.Sprint(raw["_id"])
	if oid, ok := raw["_id"].(primitive.ObjectID); ok {
		id = oid.Hex()
	}
	data := docstore.Data{}
	for k, v := range raw {
		if k == "_id" {
			continue
		}
		data[k] = normalize(v)
	}
	return &docstore.Snapshot{ID: id, Data: data}
}

// normalize はドライバ固有の入れ子表現を map[string]any と []any に揃える。
// primitive.DateTime は Time() を持つためそのまま返す。
func normalize(v any) any {
	switch t := v.(type) {
	case primitive.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case primitive.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case int32:
		return int64(t)
	}
	return v
}

// compile-time interface check
var _ docstore.Store = (*Store)(nil)
