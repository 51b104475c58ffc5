package model

import (
	"errors"
	"fmt"
	"strings"
)

// APIError は利用者に表示するエラーを表す。
// 表示用の原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, profile, settings, system
	Action   string // ユーザー向け対処方法
	Err      error  // 原因（ログ・メトリクス用。利用者には表示しない）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因のエラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeUserNotFound = "USER_NOT_FOUND"
	ErrCodeNotSignedIn  = "NOT_SIGNED_IN"
	ErrCodeUpdateFailed = "UPDATE_FAILED"
	ErrCodeInvalidInput = "INVALID_INPUT"
)

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewNotSignedInError は未ログイン状態で認証が必要な操作を行った場合のエラーを生成する。
func NewNotSignedInError() *APIError {
	return &APIError{
		Code:     ErrCodeNotSignedIn,
		Message:  "ログインしていません。",
		Category: "auth",
		Action:   "signin コマンドでログインしてください。",
	}
}

// NewUpdateFailedError はプロフィール・設定の更新に失敗した場合のエラーを生成する。
// 原因の詳細はログにのみ出力し、利用者には再試行を促す。
func NewUpdateFailedError(category string, cause error) *APIError {
	return &APIError{
		Err:      cause,
		Code:     ErrCodeUpdateFailed,
		Message:  "更新に失敗しました。",
		Category: category,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidInputError は入力値が不正な場合のエラーを生成する。
func NewInvalidInputError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("入力値が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// FieldError は1つのフィールドの検証エラーを表す。
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError はエンティティの検証エラーを表す。
// 違反したすべての制約を Fields に保持する。
type ValidationError struct {
	Entity string
	ID     string
	Fields []FieldError
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Entity, e.ID, strings.Join(parts, "; "))
}

// ErrConsistency は書き込み直後の読み取りで文書が見つからなかったことを示す。
var ErrConsistency = errors.New("document missing after write")

// ConsistencyError は書き込み直後の再読み取りに失敗したことを表す。
// Op は直前の書き込み（created または updated）を表す。
type ConsistencyError struct {
	Op     string
	Entity string
	ID     string
}

// Error はerrorインターフェースを実装する。
func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("Failed to retrieve %s %s: %s", e.Op, e.Entity, e.ID)
}

// Is は errors.Is(err, ErrConsistency) を満たすために実装する。
func (e *ConsistencyError) Is(target error) bool {
	return target == ErrConsistency
}
