package docstore

import (
	"fmt"
	"regexp"
	"strings"
)

var pathSegmentPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// SplitPath はドット区切りのフィールドパスをセグメントに分割する。
// 空のセグメントや英数字・アンダースコア以外を含むセグメントはエラーとなる。
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	segments := strings.Split(path, ".")
	for _, s := range segments {
		if !pathSegmentPattern.MatchString(s) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segments, nil
}

// AsMap は入れ子のグループ値を map[string]any として取り出す。
func AsMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Data:
		return map[string]any(m), true
	}
	return nil, false
}

// Lookup はドット区切りのパスで入れ子の値を取り出す。
func Lookup(d Data, path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, seg := range strings.Split(path, ".") {
		m, ok := AsMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Clone は文書を深くコピーする。入れ子のマップとスライスも複製される。
func Clone(d Data) Data {
	if d == nil {
		return nil
	}
	return Data(cloneMap(d))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue は値を深くコピーする。
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Data:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	}
	return v
}

// SetPath は入れ子のマップに値を書き込む。途中のグループが無い場合は作成する。
func SetPath(m map[string]any, segments []string, v any) {
	cur := m
	for _, seg := range segments[:len(segments)-1] {
		next, ok := AsMap(cur[seg])
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segments[len(segments)-1]] = v
}

// DeletePath は入れ子のマップから値を削除する。途中のグループが無い場合は何もしない。
func DeletePath(m map[string]any, segments []string) {
	cur := m
	for _, seg := range segments[:len(segments)-1] {
		next, ok := AsMap(cur[seg])
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, segments[len(segments)-1])
}
