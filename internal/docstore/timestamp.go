package docstore

import "time"

// Timestamp はストアが返す時刻値。
// バックエンド固有の時刻表現はこの型か Time() メソッドを持つ型で返される。
type Timestamp time.Time

// NewTimestamp は time.Time から Timestamp を生成する。
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp(t)
}

// Time は time.Time に変換する。
func (ts Timestamp) Time() time.Time {
	return time.Time(ts)
}

// timeConvertible は Time() メソッドで時刻に変換できる値を表す。
// MongoDB の primitive.DateTime もこれを満たす。
type timeConvertible interface {
	Time() time.Time
}

// ResolveTime はストアから読み取った値を time.Time に変換する。
// 時刻として解釈できない値の場合は false を返す。
func ResolveTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case timeConvertible:
		return t.Time(), true
	}
	return time.Time{}, false
}
