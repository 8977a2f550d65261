package credentials

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

// ErrKeyringNotAvailable is returned when the OS has no usable secret store
// (headless hosts without D-Bus/Secret Service).
var ErrKeyringNotAvailable = errors.New("system keyring not available")

// ErrNotFound is returned when no secret is stored for a service/account.
var ErrNotFound = errors.New("secret not found")

// Keyring is the interface for keyring operations
type Keyring interface {
	Set(service, account, secret string) error
	Get(service, account string) (string, error)
	Delete(service, account string) error
}

// systemKeyring stores secrets in the OS keyring through go-keyring
type systemKeyring struct{}

func (s *systemKeyring) Set(service, account, secret string) error {
	return mapKeyringError(keyring.Set(service, account, secret))
}

func (s *systemKeyring) Get(service, account string) (string, error) {
	secret, err := keyring.Get(service, account)
	return secret, mapKeyringError(err)
}

func (s *systemKeyring) Delete(service, account string) error {
	return mapKeyringError(keyring.Delete(service, account))
}

func mapKeyringError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, keyring.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, keyring.ErrUnsupportedPlatform):
		return ErrKeyringNotAvailable
	default:
		// go-keyring reports a missing D-Bus session as a plain error
		return fmt.Errorf("%w: %v", ErrKeyringNotAvailable, err)
	}
}

// MockKeyring is an in-memory Keyring for tests
type MockKeyring struct {
	mu    sync.RWMutex
	store map[string]map[string]string // service -> account -> secret
}

// NewMockKeyring creates a new mock keyring for testing
func NewMockKeyring() *MockKeyring {
	return &MockKeyring{
		store: make(map[string]map[string]string),
	}
}

func (m *MockKeyring) Set(service, account, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store[service] == nil {
		m.store[service] = make(map[string]string)
	}
	m.store[service][account] = secret
	return nil
}

func (m *MockKeyring) Get(service, account string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if secret, ok := m.store[service][account]; ok {
		return secret, nil
	}
	return "", ErrNotFound
}

func (m *MockKeyring) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.store[service][account]; !ok {
		return ErrNotFound
	}
	delete(m.store[service], account)
	return nil
}
