package pgstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/dashboard/internal/docstore"
)

// dateKey は JSONB 内で時刻を表すオブジェクトのキー。
const dateKey = "$date"

// dateLayout は時刻の文字列表現。固定幅のため文字列比較で時刻順に並ぶ。
const dateLayout = "2006-01-02T15:04:05.000000Z"

// serverTimestampSQL は文の実行時刻を dateLayout と同じ形式の JSONB で返す式。
const serverTimestampSQL = `jsonb_build_object('$date', to_char(statement_timestamp() AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'))`

func formatDate(t time.Time) map[string]any {
	return map[string]any{dateKey: t.UTC().Format(dateLayout)}
}

// encodeDocument は文書を JSON に変換する。
// ServerTimestamp の位置は JSON から除き、そのパスを返す。
func encodeDocument(data docstore.Data) ([]byte, [][]string, error) {
	var stamps [][]string
	body := encodeMap(data, nil, &stamps)
	sort.Slice(stamps, func(i, j int) bool {
		return strings.Join(stamps[i], ".") < strings.Join(stamps[j], ".")
	})
	b, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return b, stamps, nil
}

func encodeMap(m map[string]any, prefix []string, stamps *[][]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		path := append(append([]string{}, prefix...), k)
		switch {
		case docstore.IsServerTimestamp(v):
			*stamps = append(*stamps, path)
		case docstore.IsDeleteField(v):
		default:
			if sub, ok := docstore.AsMap(v); ok {
				out[k] = encodeMap(sub, path, stamps)
				continue
			}
			out[k] = encodeValue(v)
		}
	}
	return out
}

// encodeValue は時刻を {"$date": ...} 形式に変換する。
func encodeValue(v any) any {
	if t, ok := docstore.ResolveTime(v); ok {
		return formatDate(t)
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = encodeValue(e)
		}
		return out
	case docstore.Data:
		return encodeValue(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = encodeValue(e)
		}
		return out
	}
	return v
}

func marshalValue(v any) (string, error) {
	b, err := json.Marshal(encodeValue(v))
	if err != nil {
		return "", fmt.Errorf("failed to encode value: %w", err)
	}
	return string(b), nil
}

// decodeDocument は JSONB を文書に変換し、{"$date": ...} を Timestamp に戻す。
func decodeDocument(raw []byte) (docstore.Data, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	out, _ := decodeValue(m).(map[string]any)
	return docstore.Data(out), nil
}

func decodeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if s, ok := t[dateKey].(string); ok {
				if ts, err := time.Parse(dateLayout, s); err == nil {
					return docstore.NewTimestamp(ts)
				}
			}
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = decodeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = decodeValue(e)
		}
		return out
	}
	return v
}

// containment は等価条件を @> 演算子用の JSON オブジェクトに変換する。
func containment(filters []docstore.Filter) (string, error) {
	doc := map[string]any{}
	for _, f := range filters {
		segs, err := docstore.SplitPath(f.Field)
		if err != nil {
			return "", err
		}
		docstore.SetPath(doc, segs, encodeValue(f.Value))
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode filter: %w", err)
	}
	return string(b), nil
}
