package repository

import (
	"errors"
	"log/slog"

	"github.com/hitoshi/dashboard/internal/model"
)

// エラー種別（ログの error_kind 属性）
const (
	kindTransport   = "transport"
	kindValidation  = "validation"
	kindConsistency = "consistency"
)

// errorKind はエラーを種別に分類する。
func errorKind(err error) string {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		return kindValidation
	case errors.Is(err, model.ErrConsistency):
		return kindConsistency
	default:
		return kindTransport
	}
}

// logFailure は失敗した操作をエラーレベルで記録する。
func logFailure(msg string, err error, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+2)
	for _, a := range attrs {
		args = append(args, a)
	}
	args = append(args,
		slog.String("error", err.Error()),
		slog.String("error_kind", errorKind(err)),
	)
	slog.Error(msg, args...)
}
