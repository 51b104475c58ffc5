package auth

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/dashboard/internal/analytics"
	"github.com/hitoshi/dashboard/internal/kvstore"
	"github.com/hitoshi/dashboard/internal/model"
)

// --- テスト用モック ---

type mockProvider struct {
	signInFn  func(ctx context.Context, email, password string) (*Credential, error)
	signUpFn  func(ctx context.Context, email, password string) (*Credential, error)
	idpFn     func(ctx context.Context, providerID, idToken string) (*Credential, error)
	resetFn   func(ctx context.Context, email string) error
	refreshFn func(ctx context.Context, refreshToken string) (*Credential, error)
}

func (m *mockProvider) SignInWithPassword(ctx context.Context, email, password string) (*Credential, error) {
	return m.signInFn(ctx, email, password)
}

func (m *mockProvider) SignUp(ctx context.Context, email, password string) (*Credential, error) {
	return m.signUpFn(ctx, email, password)
}

func (m *mockProvider) SignInWithIDP(ctx context.Context, providerID, idToken string) (*Credential, error) {
	return m.idpFn(ctx, providerID, idToken)
}

func (m *mockProvider) SendPasswordReset(ctx context.Context, email string) error {
	return m.resetFn(ctx, email)
}

func (m *mockProvider) Refresh(ctx context.Context, refreshToken string) (*Credential, error) {
	return m.refreshFn(ctx, refreshToken)
}

type memCredentialStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCredentialStore() *memCredentialStore {
	return &memCredentialStore{data: map[string][]byte{}}
}

func (m *memCredentialStore) Get(_ context.Context, key string, dst any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (m *memCredentialStore) Put(_ context.Context, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := json.Marshal(value)
	m.data[key] = raw
	return err
}

func (m *memCredentialStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type recordedEvents struct {
	events []string
}

func (r *recordedEvents) SignIn(m analytics.Method) { r.events = append(r.events, "sign_in:"+string(m)) }
func (r *recordedEvents) SignUp(m analytics.Method) { r.events = append(r.events, "sign_up:"+string(m)) }
func (r *recordedEvents) SignOut()                  { r.events = append(r.events, "sign_out") }

var clientNow = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func testCredential(uid, email string) *Credential {
	return &Credential{
		IDToken:      "id-" + uid,
		RefreshToken: "refresh-" + uid,
		ExpiresAt:    clientNow.Add(time.Hour),
		Principal:    model.Principal{UID: uid, Email: email},
	}
}

func newTestClient(p Provider, store CredentialStore) (*Client, *recordedEvents) {
	ev := &recordedEvents{}
	c := NewClient(p, store, ev)
	c.now = func() time.Time { return clientNow }
	return c, ev
}

// --- テスト ---

// TestClient_Subscribe_EmitsCurrentState は購読直後に現在の状態が通知されることを検証する。
func TestClient_Subscribe_EmitsCurrentState(t *testing.T) {
	c, _ := newTestClient(&mockProvider{}, newMemCredentialStore())
	require.NoError(t, c.Start(context.Background()))

	var got []*model.Principal
	unsubscribe := c.Subscribe(func(_ context.Context, p *model.Principal) { got = append(got, p) })
	defer unsubscribe()

	require.Len(t, got, 1)
	assert.Nil(t, got[0])
}

// TestClient_SignInAndOut はサインイン・サインアウトが購読者に通知され、イベントが記録されることを検証する。
func TestClient_SignInAndOut(t *testing.T) {
	ctx := context.Background()
	store := newMemCredentialStore()
	provider := &mockProvider{signInFn: func(_ context.Context, email, _ string) (*Credential, error) {
		return testCredential("uid-1", email), nil
	}}
	c, ev := newTestClient(provider, store)
	require.NoError(t, c.Start(ctx))

	var got []*model.Principal
	c.Subscribe(func(_ context.Context, p *model.Principal) { got = append(got, p) })

	p, err := c.SignInWithPassword(ctx, "a@b.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "uid-1", p.UID)
	assert.Equal(t, "uid-1", c.Current().UID)
	_, persisted := store.data[kvstore.KeyCredential]
	assert.True(t, persisted)

	require.NoError(t, c.SignOut(ctx))
	assert.Nil(t, c.Current())
	_, persisted = store.data[kvstore.KeyCredential]
	assert.False(t, persisted)

	require.Len(t, got, 3)
	assert.Nil(t, got[0])
	assert.Equal(t, "uid-1", got[1].UID)
	assert.Nil(t, got[2])
	assert.Equal(t, []string{"sign_in:email", "sign_out"}, ev.events)
}

func TestClient_SignInFailure_NoTransition(t *testing.T) {
	provider := &mockProvider{signInFn: func(context.Context, string, string) (*Credential, error) {
		return nil, NewAuthError(CodeInvalidLoginCredentials, nil)
	}}
	c, ev := newTestClient(provider, newMemCredentialStore())

	calls := 0
	c.Subscribe(func(context.Context, *model.Principal) { calls++ })

	_, err := c.SignInWithPassword(context.Background(), "a@b.com", "wrong")
	var ae *AuthError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, 1, calls, "only the initial notification")
	assert.Empty(t, ev.events)
}

func TestClient_SignUp_RecordsSignUp(t *testing.T) {
	provider := &mockProvider{signUpFn: func(_ context.Context, email, _ string) (*Credential, error) {
		cred := testCredential("uid-new", email)
		cred.IsNewUser = true
		return cred, nil
	}}
	c, ev := newTestClient(provider, newMemCredentialStore())

	_, err := c.SignUp(context.Background(), "new@b.com", "pw123456")
	require.NoError(t, err)
	assert.Equal(t, []string{"sign_up:email"}, ev.events)
}

// TestClient_SignInWithGoogle は初回サインインがサインアップとして記録されることを検証する。
func TestClient_SignInWithGoogle(t *testing.T) {
	first := true
	provider := &mockProvider{idpFn: func(_ context.Context, providerID, idToken string) (*Credential, error) {
		assert.Equal(t, GoogleProviderID, providerID)
		assert.Equal(t, "google-token", idToken)
		cred := testCredential("uid-g", "g@b.com")
		cred.IsNewUser = first
		first = false
		return cred, nil
	}}
	c, ev := newTestClient(provider, newMemCredentialStore())

	_, err := c.SignInWithGoogle(context.Background(), "google-token")
	require.NoError(t, err)
	_, err = c.SignInWithGoogle(context.Background(), "google-token")
	require.NoError(t, err)

	assert.Equal(t, []string{"sign_up:google", "sign_in:google"}, ev.events)
}

// TestClient_Start_RestoresCredential は永続化された認証情報が再起動後に復元されることを検証する。
func TestClient_Start_RestoresCredential(t *testing.T) {
	ctx := context.Background()
	store := newMemCredentialStore()
	require.NoError(t, store.Put(ctx, kvstore.KeyCredential, testCredential("uid-1", "a@b.com")))

	c, _ := newTestClient(&mockProvider{}, store)
	require.NoError(t, c.Start(ctx))

	var got *model.Principal
	c.Subscribe(func(_ context.Context, p *model.Principal) { got = p })
	require.NotNil(t, got)
	assert.Equal(t, "uid-1", got.UID)
}

// TestClient_Start_RefreshesExpired は期限切れの認証情報が更新されることを検証する。
func TestClient_Start_RefreshesExpired(t *testing.T) {
	ctx := context.Background()
	store := newMemCredentialStore()
	expired := testCredential("uid-1", "a@b.com")
	expired.ExpiresAt = clientNow.Add(-time.Minute)
	require.NoError(t, store.Put(ctx, kvstore.KeyCredential, expired))

	provider := &mockProvider{refreshFn: func(_ context.Context, refreshToken string) (*Credential, error) {
		assert.Equal(t, "refresh-uid-1", refreshToken)
		cred := testCredential("uid-1", "")
		cred.IDToken = "id-refreshed"
		return cred, nil
	}}
	c, _ := newTestClient(provider, store)
	require.NoError(t, c.Start(ctx))

	p := c.Current()
	require.NotNil(t, p)
	assert.Equal(t, "a@b.com", p.Email)

	var persisted Credential
	ok, err := store.Get(ctx, kvstore.KeyCredential, &persisted)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "id-refreshed", persisted.IDToken)
}

func TestClient_Start_RefreshFailureSignsOut(t *testing.T) {
	ctx := context.Background()
	store := newMemCredentialStore()
	expired := testCredential("uid-1", "a@b.com")
	expired.ExpiresAt = clientNow.Add(-time.Minute)
	require.NoError(t, store.Put(ctx, kvstore.KeyCredential, expired))

	provider := &mockProvider{refreshFn: func(context.Context, string) (*Credential, error) {
		return nil, NewAuthError(CodeInvalidRefreshToken, nil)
	}}
	c, _ := newTestClient(provider, store)
	require.NoError(t, c.Start(ctx))

	assert.Nil(t, c.Current())
	_, ok := store.data[kvstore.KeyCredential]
	assert.False(t, ok)
}

func TestClient_Unsubscribe(t *testing.T) {
	provider := &mockProvider{signInFn: func(_ context.Context, email, _ string) (*Credential, error) {
		return testCredential("uid-1", email), nil
	}}
	c, _ := newTestClient(provider, newMemCredentialStore())

	calls := 0
	unsubscribe := c.Subscribe(func(context.Context, *model.Principal) { calls++ })
	unsubscribe()

	_, err := c.SignInWithPassword(context.Background(), "a@b.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestClient_SendPasswordReset(t *testing.T) {
	var sentTo string
	provider := &mockProvider{resetFn: func(_ context.Context, email string) error {
		sentTo = email
		return nil
	}}
	c, _ := newTestClient(provider, newMemCredentialStore())

	require.NoError(t, c.SendPasswordReset(context.Background(), "a@b.com"))
	assert.Equal(t, "a@b.com", sentTo)
}
