package mapper

import (
	"time"

	"github.com/hitoshi/dashboard/internal/docstore"
	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/schema"
)

// reader は文書から型付きの値を取り出し、型の不一致を検証エラーとして蓄積する。
// 欠落した値と null はどちらも nil として扱う。
type reader struct {
	data   map[string]any
	prefix string
	issues *[]model.FieldError
}

func newReader(data docstore.Data) *reader {
	return &reader{data: data, issues: &[]model.FieldError{}}
}

func (r *reader) field(name string) string {
	if r.prefix == "" {
		return name
	}
	return r.prefix + "." + name
}

func (r *reader) mismatch(name, kind string) {
	*r.issues = append(*r.issues, model.FieldError{Field: r.field(name), Message: schema.MismatchMessage(kind)})
}

func (r *reader) str(name string) *string {
	v, ok := r.data[name]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		r.mismatch(name, "string")
		return nil
	}
	return &s
}

func (r *reader) boolean(name string) *bool {
	v, ok := r.data[name]
	if !ok || v == nil {
		return nil
	}
	b, ok := v.(bool)
	if !ok {
		r.mismatch(name, "bool")
		return nil
	}
	return &b
}

func (r *reader) time(name string) *time.Time {
	v, ok := r.data[name]
	if !ok || v == nil {
		return nil
	}
	t, ok := docstore.ResolveTime(v)
	if !ok {
		r.mismatch(name, "date")
		return nil
	}
	return &t
}

// group は入れ子のグループを読み取る。欠落している場合は nil を返す。
func (r *reader) group(name string) *reader {
	v, ok := r.data[name]
	if !ok || v == nil {
		return nil
	}
	m, ok := docstore.AsMap(v)
	if !ok {
		r.mismatch(name, "object")
		return nil
	}
	return &reader{data: m, prefix: r.field(name), issues: r.issues}
}
