// Package credentials stores the signed-in session's API tokens in the OS
// keyring and exposes them to the remote client as a TokenProvider.
package credentials

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ServiceName is the keyring service tokens are stored under.
const ServiceName = "habitkeep"

// sessionAccount is the keyring account holding the active session.
const sessionAccount = "session"

// EnvToken overrides the stored access token when set.
const EnvToken = "HABITKEEP_TOKEN"

// ErrSignedOut is returned when no session tokens are available.
var ErrSignedOut = errors.New("not signed in")

// Tokens is the credential pair issued by the remote auth endpoint.
type Tokens struct {
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// TokenProvider is consumed by the remote client's auth interceptor.
type TokenProvider interface {
	// Token returns the current access token.
	Token(ctx context.Context) (string, error)
	// Refresh exchanges the refresh token for a new access token.
	Refresh(ctx context.Context) (string, error)
	// SignOut drops the session after an unrecoverable auth failure.
	SignOut(ctx context.Context) error
}

// Refresher calls the remote refresh endpoint.
type Refresher func(ctx context.Context, refreshToken string) (Tokens, error)

// Manager persists session tokens in a Keyring
type Manager struct {
	keyring   Keyring
	mu        sync.Mutex
	refresher Refresher
	signedOut func()
}

// ManagerOption is a functional option for Manager
type ManagerOption func(*Manager)

// WithKeyring sets a custom keyring implementation
func WithKeyring(k Keyring) ManagerOption {
	return func(m *Manager) {
		m.keyring = k
	}
}

// WithSignOutHook registers fn to run after SignOut clears the session.
func WithSignOutHook(fn func()) ManagerOption {
	return func(m *Manager) {
		m.signedOut = fn
	}
}

// NewManager creates a new credential manager
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		keyring: &systemKeyring{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetRefresher installs the function used by Refresh. The remote client is
// built on top of the Manager, so the refresher is wired after construction.
func (m *Manager) SetRefresher(r Refresher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresher = r
}

// Save stores tokens as the active session.
func (m *Manager) Save(ctx context.Context, tokens Tokens) error {
	if tokens.UserID == "" || tokens.AccessToken == "" {
		return fmt.Errorf("incomplete tokens: user id and access token are required")
	}
	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("failed to encode tokens: %w", err)
	}
	if err := m.keyring.Set(ServiceName, sessionAccount, string(data)); err != nil {
		return fmt.Errorf("failed to store tokens: %w", err)
	}
	return nil
}

// Load returns the active session tokens, or ErrSignedOut.
func (m *Manager) Load(ctx context.Context) (Tokens, error) {
	var tokens Tokens
	data, err := m.keyring.Get(ServiceName, sessionAccount)
	if errors.Is(err, ErrNotFound) {
		return tokens, ErrSignedOut
	}
	if err != nil {
		return tokens, fmt.Errorf("failed to read tokens: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &tokens); err != nil {
		return tokens, fmt.Errorf("failed to decode tokens: %w", err)
	}
	return tokens, nil
}

// Clear removes the session. Clearing an empty session is not an error.
func (m *Manager) Clear(ctx context.Context) error {
	err := m.keyring.Delete(ServiceName, sessionAccount)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to clear tokens: %w", err)
	}
	return nil
}

// Token implements TokenProvider. HABITKEEP_TOKEN wins over the keyring.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if env := os.Getenv(EnvToken); env != "" {
		return env, nil
	}
	tokens, err := m.Load(ctx)
	if err != nil {
		return "", err
	}
	return tokens.AccessToken, nil
}

// Refresh implements TokenProvider. The new pair replaces the stored one.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	refresher := m.refresher
	m.mu.Unlock()
	if refresher == nil {
		return "", fmt.Errorf("token refresh not configured")
	}

	tokens, err := m.Load(ctx)
	if err != nil {
		return "", err
	}
	if tokens.RefreshToken == "" {
		return "", fmt.Errorf("%w: no refresh token", ErrSignedOut)
	}

	fresh, err := refresher(ctx, tokens.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	if fresh.UserID == "" {
		fresh.UserID = tokens.UserID
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tokens.RefreshToken
	}
	if err := m.Save(ctx, fresh); err != nil {
		return "", err
	}
	return fresh.AccessToken, nil
}

// SignOut implements TokenProvider.
func (m *Manager) SignOut(ctx context.Context) error {
	if err := m.Clear(ctx); err != nil {
		return err
	}
	if m.signedOut != nil {
		m.signedOut()
	}
	return nil
}

// PromptSecret asks for a secret. On a terminal input is hidden; otherwise a
// single line is read from reader.
func PromptSecret(reader io.Reader, writer io.Writer, label string) (string, error) {
	_, _ = fmt.Fprintf(writer, "%s: ", label)

	if f, ok := reader.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		secret, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(writer)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(secret)), nil
	}

	scanner := bufio.NewScanner(reader)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no input received")
}
