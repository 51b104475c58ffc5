package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/dashboard/internal/middleware"
)

// CallbackPath はOAuthリダイレクトを受け取るパス。
const CallbackPath = "/callback"

const callbackPage = `<!DOCTYPE html><html><head><meta charset="utf-8"><title>dashboard</title></head>` +
	`<body><p>%s</p></body></html>`

type callbackResult struct {
	code string
	err  error
}

// CallbackServer はOAuthリダイレクトを受け取るループバックHTTPサーバー。
// 最初に届いた1件のコールバックのみを結果として扱う。
type CallbackServer struct {
	state    string
	listener net.Listener
	srv      *http.Server
	results  chan callbackResult
}

// NewCallbackServer は127.0.0.1のportで待ち受けるCallbackServerを生成する。
// portに0を指定すると空いているポートを使う。
func NewCallbackServer(port int, state string) (*CallbackServer, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to listen for oauth callback: %w", err)
	}

	s := &CallbackServer{
		state:    state,
		listener: ln,
		results:  make(chan callbackResult, 1),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer(slog.Default()))
	r.Use(middleware.RequestLogger(slog.Default()))
	r.Get(CallbackPath, s.handleCallback)

	s.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// RedirectURL はIdPに登録するリダイレクトURLを返す。
func (s *CallbackServer) RedirectURL() string {
	return "http://" + s.listener.Addr().String() + CallbackPath
}

// Start はバックグラウンドで待ち受けを開始する。
func (s *CallbackServer) Start() {
	go func() {
		if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("oauth callback server stopped", slog.String("error", err.Error()))
		}
	}()
}

// Wait はコールバックを待ち、認可コードを返す。
func (s *CallbackServer) Wait(ctx context.Context) (string, error) {
	select {
	case res := <-s.results:
		return res.code, res.err
	case <-ctx.Done():
		return "", NewAuthError(CodeOAuthCancelled, ctx.Err())
	}
}

// Shutdown はサーバーを停止する。
func (s *CallbackServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var res callbackResult
	status := http.StatusOK
	switch {
	case q.Get("error") != "":
		res.err = NewAuthError(CodeOAuthCancelled, fmt.Errorf("idp returned error: %s", q.Get("error")))
		status = http.StatusBadRequest
	case q.Get("state") != s.state:
		res.err = NewAuthError(CodeOAuthStateMismatch, errors.New("oauth state mismatch"))
		status = http.StatusBadRequest
	case q.Get("code") == "":
		res.err = NewAuthError(CodeInvalidIDPResponse, errors.New("missing authorization code"))
		status = http.StatusBadRequest
	default:
		res.code = q.Get("code")
	}

	select {
	case s.results <- res:
	default:
	}

	msg := "サインインが完了しました。このウィンドウを閉じてターミナルに戻ってください。"
	if res.err != nil {
		msg = UserMessage(res.err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, callbackPage, msg)
}

// GenerateState はOAuthのstateパラメータに使う暗号的に安全な値を生成する。
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// AuthorizeGoogle はループバックサーバーでGoogleの認可コードを受け取り、GoogleのIDトークンを返す。
// promptには利用者がブラウザで開く認証URLが渡される。
func AuthorizeGoogle(ctx context.Context, oauth *GoogleOAuthProvider, port int, prompt func(loginURL string)) (string, error) {
	state, err := GenerateState()
	if err != nil {
		return "", fmt.Errorf("failed to generate oauth state: %w", err)
	}

	srv, err := NewCallbackServer(port, state)
	if err != nil {
		return "", err
	}
	srv.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	flow := oauth.WithRedirectURL(srv.RedirectURL())
	prompt(flow.GetLoginURL(state))

	code, err := srv.Wait(ctx)
	if err != nil {
		return "", err
	}
	return flow.ExchangeCode(ctx, code)
}
