package app

import (
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/dashboard/internal/auth"
	"github.com/hitoshi/dashboard/internal/model"
)

// 出力形式
const (
	formatYAML = "yaml"
	formatJSON = "json"
)

func (a *App) setFormat(format string) error {
	switch format {
	case formatYAML, formatJSON:
		a.format = format
		return nil
	}
	return model.NewInvalidInputError(fmt.Sprintf("出力形式は yaml または json です: %s", format))
}

// print はvを出力形式に従って標準出力に書き出す。
func (a *App) print(v any) error {
	if a.format == formatJSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	enc := yaml.NewEncoder(a.stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return enc.Close()
}

// FormatError は利用者に表示するエラーメッセージを返す。
// 認証エラーは原因コードに応じたメッセージに、更新失敗などは対処方法付きのメッセージに変換する。
func FormatError(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Action != "" {
			return apiErr.Message + " " + apiErr.Action
		}
		return apiErr.Message
	}
	var authErr *auth.AuthError
	if errors.As(err, &authErr) {
		return auth.UserMessage(err)
	}
	return err.Error()
}
