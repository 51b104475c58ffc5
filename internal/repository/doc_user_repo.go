package repository

import (
	"context"
	"log/slog"

	"github.com/hitoshi/dashboard/internal/docstore"
	"github.com/hitoshi/dashboard/internal/mapper"
	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/schema"
)

// DocUserRepo は文書ストアを使用したユーザーリポジトリ。
// users/{id} の文書IDは認証プリンシパルのUIDと等しい。
type DocUserRepo struct {
	store docstore.Store
}

// NewDocUserRepo はDocUserRepoを生成する。
func NewDocUserRepo(store docstore.Store) *DocUserRepo {
	return &DocUserRepo{store: store}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *DocUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	snap, err := r.store.Get(ctx, mapper.UsersCollection, id)
	if err != nil {
		logFailure("Failed to get user", err, slog.String("user_id", id))
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}

	user, err := mapper.ToUser(id, snap.Data)
	if err != nil {
		logFailure("Failed to get user", err, slog.String("user_id", id))
		return nil, err
	}
	return user, nil
}

// Exists は指定IDのユーザー文書が存在するかを返す。文書の内容は検証しない。
func (r *DocUserRepo) Exists(ctx context.Context, id string) (bool, error) {
	snap, err := r.store.Get(ctx, mapper.UsersCollection, id)
	if err != nil {
		logFailure("Failed to check user existence", err, slog.String("user_id", id))
		return false, err
	}
	return snap != nil, nil
}

// Create はユーザーを作成する。createdAt と updatedAt はストアの時刻で設定される。
func (r *DocUserRepo) Create(ctx context.Context, id string, u model.NewUser) (*model.User, error) {
	if err := schema.ValidateNewUser(id, u); err != nil {
		logFailure("Failed to create user", err, slog.String("user_id", id))
		return nil, err
	}

	if err := r.store.Set(ctx, mapper.UsersCollection, id, mapper.NewUserDocument(u)); err != nil {
		logFailure("Failed to create user", err, slog.String("user_id", id))
		return nil, err
	}
	slog.Info("User created", slog.String("user_id", id))

	return r.reread(ctx, "created", id)
}

// Update は指定されたフィールドと updatedAt のみを更新する。
func (r *DocUserRepo) Update(ctx context.Context, id string, u model.UserUpdate) (*model.User, error) {
	if err := schema.ValidateUserUpdate(id, u); err != nil {
		logFailure("Failed to update user", err, slog.String("user_id", id))
		return nil, err
	}

	updates := mapper.UserUpdateFields(u)
	if err := r.store.Update(ctx, mapper.UsersCollection, id, updates); err != nil {
		logFailure("Failed to update user", err, slog.String("user_id", id))
		return nil, err
	}
	slog.Info("User updated", slog.String("user_id", id), slog.Any("fields", updatePaths(updates)))

	return r.reread(ctx, "updated", id)
}

// DeleteByID は指定IDのユーザーを削除する。
func (r *DocUserRepo) DeleteByID(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, mapper.UsersCollection, id); err != nil {
		logFailure("Failed to delete user", err, slog.String("user_id", id))
		return err
	}
	slog.Info("User deleted", slog.String("user_id", id))
	return nil
}

// Ensure は既存のユーザーを返し、存在しない場合は defaults で作成する。
// 読み取りと作成は不可分ではないため、同時に呼び出された場合は後勝ちで上書きされる。
func (r *DocUserRepo) Ensure(ctx context.Context, id string, defaults model.NewUser) (*model.User, error) {
	existing, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return r.Create(ctx, id, defaults)
}

func (r *DocUserRepo) reread(ctx context.Context, op, id string) (*model.User, error) {
	user, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		err := &model.ConsistencyError{Op: op, Entity: "user", ID: id}
		logFailure("Failed to retrieve user after write", err, slog.String("user_id", id))
		return nil, err
	}
	return user, nil
}

func updatePaths(updates []docstore.Update) []string {
	paths := make([]string, len(updates))
	for i, u := range updates {
		paths[i] = u.Path
	}
	return paths
}

// compile-time interface check
var _ UserRepository = (*DocUserRepo)(nil)
