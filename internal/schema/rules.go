package schema

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	msgRequired  = "Required"
	msgMinLength = "String must contain at least 1 character(s)"
	msgEmail     = "Invalid email"
	msgURL       = "Invalid url"
	msgBoolean   = "Expected boolean"
	msgString    = "Expected string"
	msgDate      = "Expected date"
	msgObject    = "Expected object"
)

// emailPattern はローカル部の許可文字とドメイン部の形式を表す。
// ローカル部の先頭のドットと連続したドットは isEmail で別途拒否する。
var emailPattern = regexp.MustCompile(`^[A-Za-z0-9_'+\-.]*[A-Za-z0-9_+\-]@([A-Za-z0-9][A-Za-z0-9\-]*\.)+[A-Za-z]{2,}$`)

// isEmail はメールアドレスの形式を検証する。
func isEmail(s string) bool {
	if strings.HasPrefix(s, ".") || strings.Contains(s, "..") {
		return false
	}
	return emailPattern.MatchString(s)
}

// isURL はスキームとホスト（または不透明部）を持つ絶対URLかどうかを検証する。
func isURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Scheme != "" && (u.Host != "" || u.Opaque != "")
}

func enumMessage(allowed []string, got string) string {
	quoted := make([]string, len(allowed))
	for i, a := range allowed {
		quoted[i] = "'" + a + "'"
	}
	return fmt.Sprintf("Invalid enum value. Expected %s, received '%s'", strings.Join(quoted, " | "), got)
}

// MismatchMessage は文書の値が期待した型でない場合のメッセージを返す。
func MismatchMessage(kind string) string {
	switch kind {
	case "bool":
		return msgBoolean
	case "string":
		return msgString
	case "date":
		return msgDate
	case "object":
		return msgObject
	}
	return "Invalid input"
}
