package credentials

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func mustSignedInManager(t *testing.T) (*Manager, *MockKeyring) {
	t.Helper()
	t.Setenv(EnvToken, "")
	k := NewMockKeyring()
	m := NewManager(WithKeyring(k))
	err := m.Save(context.Background(), Tokens{UserID: "u1", AccessToken: "access-1", RefreshToken: "refresh-1"})
	if err != nil {
		t.Fatalf("Save error: %v", err)
	}
	return m, k
}

// TestSaveAndLoadTokens verifies the session round-trips through the keyring.
func TestSaveAndLoadTokens(t *testing.T) {
	m, k := mustSignedInManager(t)
	ctx := context.Background()

	tokens, err := m.Load(ctx)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if tokens.UserID != "u1" || tokens.AccessToken != "access-1" || tokens.RefreshToken != "refresh-1" {
		t.Errorf("Load = %+v", tokens)
	}

	raw, err := k.Get(ServiceName, sessionAccount)
	if err != nil {
		t.Fatalf("keyring Get error: %v", err)
	}
	if !strings.Contains(raw, "access-1") {
		t.Errorf("keyring entry = %q", raw)
	}

	token, err := m.Token(ctx)
	if err != nil || token != "access-1" {
		t.Errorf("Token = %q, %v; want access-1", token, err)
	}
}

// TestSaveRejectsIncompleteTokens verifies user id and access token are required.
func TestSaveRejectsIncompleteTokens(t *testing.T) {
	m := NewManager(WithKeyring(NewMockKeyring()))
	if err := m.Save(context.Background(), Tokens{AccessToken: "x"}); err == nil {
		t.Error("Save without user id should fail")
	}
}

// TestTokenSignedOut verifies an empty keyring reports ErrSignedOut.
func TestTokenSignedOut(t *testing.T) {
	t.Setenv(EnvToken, "")
	m := NewManager(WithKeyring(NewMockKeyring()))

	if _, err := m.Token(context.Background()); !errors.Is(err, ErrSignedOut) {
		t.Errorf("Token error = %v, want ErrSignedOut", err)
	}
	if err := m.Clear(context.Background()); err != nil {
		t.Errorf("Clear on empty session error: %v", err)
	}
}

// TestTokenEnvironmentOverride verifies HABITKEEP_TOKEN wins over the keyring.
func TestTokenEnvironmentOverride(t *testing.T) {
	m, _ := mustSignedInManager(t)
	t.Setenv(EnvToken, "from-env")

	token, err := m.Token(context.Background())
	if err != nil || token != "from-env" {
		t.Errorf("Token = %q, %v; want from-env", token, err)
	}
}

// TestRefreshStoresNewPair verifies Refresh calls the refresher and persists the result.
func TestRefreshStoresNewPair(t *testing.T) {
	m, _ := mustSignedInManager(t)
	ctx := context.Background()

	var gotRefresh string
	m.SetRefresher(func(ctx context.Context, refreshToken string) (Tokens, error) {
		gotRefresh = refreshToken
		return Tokens{AccessToken: "access-2"}, nil
	})

	token, err := m.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if token != "access-2" || gotRefresh != "refresh-1" {
		t.Errorf("Refresh = %q (sent %q)", token, gotRefresh)
	}

	tokens, _ := m.Load(ctx)
	if tokens.AccessToken != "access-2" || tokens.RefreshToken != "refresh-1" || tokens.UserID != "u1" {
		t.Errorf("stored after refresh = %+v", tokens)
	}
}

// TestRefreshFailureKeepsSession verifies a failed refresh leaves tokens alone.
func TestRefreshFailureKeepsSession(t *testing.T) {
	m, _ := mustSignedInManager(t)
	ctx := context.Background()
	m.SetRefresher(func(ctx context.Context, refreshToken string) (Tokens, error) {
		return Tokens{}, errors.New("401")
	})

	if _, err := m.Refresh(ctx); err == nil {
		t.Fatal("Refresh should fail")
	}
	if token, _ := m.Token(ctx); token != "access-1" {
		t.Errorf("Token after failed refresh = %q, want access-1", token)
	}
}

// TestSignOutClearsAndNotifies verifies SignOut clears the session and runs the hook.
func TestSignOutClearsAndNotifies(t *testing.T) {
	t.Setenv(EnvToken, "")
	k := NewMockKeyring()
	called := false
	m := NewManager(WithKeyring(k), WithSignOutHook(func() { called = true }))
	ctx := context.Background()
	if err := m.Save(ctx, Tokens{UserID: "u1", AccessToken: "a"}); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	if err := m.SignOut(ctx); err != nil {
		t.Fatalf("SignOut error: %v", err)
	}
	if !called {
		t.Error("sign-out hook not called")
	}
	if _, err := m.Load(ctx); !errors.Is(err, ErrSignedOut) {
		t.Errorf("Load after SignOut error = %v, want ErrSignedOut", err)
	}
}

// TestPromptSecretReadsLine verifies non-terminal input is read as one line.
func TestPromptSecretReadsLine(t *testing.T) {
	stdout := &bytes.Buffer{}
	secret, err := PromptSecret(strings.NewReader("  tok-123 \n"), stdout, "Access token")
	if err != nil {
		t.Fatalf("PromptSecret error: %v", err)
	}
	if secret != "tok-123" {
		t.Errorf("PromptSecret = %q, want tok-123", secret)
	}
	if !strings.Contains(stdout.String(), "Access token:") {
		t.Errorf("prompt = %q", stdout.String())
	}

	if _, err := PromptSecret(strings.NewReader(""), stdout, "x"); err == nil {
		t.Error("PromptSecret on empty input should fail")
	}
}
