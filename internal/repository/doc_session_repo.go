package repository

import (
	"context"
	"log/slog"

	"github.com/hitoshi/dashboard/internal/docstore"
	"github.com/hitoshi/dashboard/internal/mapper"
	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/schema"
)

const (
	// DefaultActiveSessionLimit はアクティブセッション一覧の既定の最大件数。
	DefaultActiveSessionLimit = 10
	// endAllBound は一括終了で一度に対象とするセッション数の上限。
	endAllBound = 100
)

// DocSessionRepo は文書ストアを使用したセッションリポジトリ。
type DocSessionRepo struct {
	store docstore.Store
}

// NewDocSessionRepo はDocSessionRepoを生成する。
func NewDocSessionRepo(store docstore.Store) *DocSessionRepo {
	return &DocSessionRepo{store: store}
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
func (r *DocSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	snap, err := r.store.Get(ctx, mapper.SessionsCollection, id)
	if err != nil {
		logFailure("Failed to get session", err, slog.String("session_id", id))
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}

	session, err := mapper.ToSession(id, snap.Data)
	if err != nil {
		logFailure("Failed to get session", err, slog.String("session_id", id))
		return nil, err
	}
	return session, nil
}

// Create はストアが生成したIDでセッションを作成する。
// createdAt と lastActive はストアの時刻、isActive は true で作成される。
func (r *DocSessionRepo) Create(ctx context.Context, s model.NewSession) (*model.Session, error) {
	if err := schema.ValidateNewSession(s); err != nil {
		logFailure("Failed to create session", err, slog.String("user_id", s.UserID))
		return nil, err
	}

	id := r.store.NewID(mapper.SessionsCollection)
	if err := r.store.Set(ctx, mapper.SessionsCollection, id, mapper.NewSessionDocument(s)); err != nil {
		logFailure("Failed to create session", err,
			slog.String("user_id", s.UserID),
			slog.String("session_id", id),
		)
		return nil, err
	}
	slog.Info("Session created",
		slog.String("user_id", s.UserID),
		slog.String("session_id", id),
		slog.String("platform", string(s.Platform)),
	)

	session, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		err := &model.ConsistencyError{Op: "created", Entity: "session", ID: id}
		logFailure("Failed to retrieve session after write", err, slog.String("session_id", id))
		return nil, err
	}
	return session, nil
}

// Touch は最終アクティブ時刻をストアの時刻で更新する。
func (r *DocSessionRepo) Touch(ctx context.Context, id string) error {
	if err := r.store.Update(ctx, mapper.SessionsCollection, id, mapper.SessionTouchFields()); err != nil {
		logFailure("Failed to touch session", err, slog.String("session_id", id))
		return err
	}
	return nil
}

// End はセッションを非アクティブにし、最終アクティブ時刻を更新する。
func (r *DocSessionRepo) End(ctx context.Context, id string) error {
	if err := r.store.Update(ctx, mapper.SessionsCollection, id, mapper.SessionEndFields()); err != nil {
		logFailure("Failed to end session", err, slog.String("session_id", id))
		return err
	}
	slog.Info("Session ended", slog.String("session_id", id))
	return nil
}

// DeleteByID はセッション文書を削除する。
func (r *DocSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, mapper.SessionsCollection, id); err != nil {
		logFailure("Failed to delete session", err, slog.String("session_id", id))
		return err
	}
	slog.Info("Session deleted", slog.String("session_id", id))
	return nil
}

// ListActiveByUserID はアクティブなセッションを最終アクティブ時刻の降順で返す。
// max が0以下の場合は DefaultActiveSessionLimit 件を上限とする。
func (r *DocSessionRepo) ListActiveByUserID(ctx context.Context, userID string, max int) ([]*model.Session, error) {
	if max <= 0 {
		max = DefaultActiveSessionLimit
	}

	snaps, err := r.store.Query(ctx, docstore.Query{
		Collection: mapper.SessionsCollection,
		Filters: []docstore.Filter{
			{Field: "userId", Value: userID},
			{Field: "isActive", Value: true},
		},
		OrderBy:   "lastActive",
		Direction: docstore.Descending,
		Limit:     max,
	})
	if err != nil {
		logFailure("Failed to get user sessions", err, slog.String("user_id", userID))
		return nil, err
	}

	sessions := make([]*model.Session, 0, len(snaps))
	for _, snap := range snaps {
		s, err := mapper.ToSession(snap.ID, snap.Data)
		if err != nil {
			logFailure("Failed to get user sessions", err, slog.String("user_id", userID))
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// EndAllByUserID はアクティブなセッションを最大100件まで順に終了する。
// 不可分な操作ではなく、途中で失敗した場合はそれまでに終了した件数とエラーを返す。
func (r *DocSessionRepo) EndAllByUserID(ctx context.Context, userID string) (int, error) {
	sessions, err := r.ListActiveByUserID(ctx, userID, endAllBound)
	if err != nil {
		return 0, err
	}

	ended := 0
	for _, s := range sessions {
		if err := r.End(ctx, s.ID); err != nil {
			logFailure("Failed to end all sessions", err,
				slog.String("user_id", userID),
				slog.Int("ended", ended),
			)
			return ended, err
		}
		ended++
	}

	slog.Info("All sessions ended", slog.String("user_id", userID), slog.Int("count", ended))
	return ended, nil
}

// compile-time interface check
var _ SessionRepository = (*DocSessionRepo)(nil)
