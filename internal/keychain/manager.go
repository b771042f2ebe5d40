// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package keychain stores connection passwords in the OS credential store so the
// cellrun config file only needs to carry password-less DSNs.
package keychain

import (
	"errors"
	"runtime"
	"strings"
	"sync"

	"github.com/99designs/keyring"
)

// ServiceName identifies our keychain/credential store namespace.
const ServiceName = "cellrun"

// ErrNotFound is returned when no secret is stored for a connection.
var ErrNotFound = errors.New("keychain: secret not found")

// backend is the minimal key/value contract of a credential store.
type backend interface {
	Set(key, value string) error
	Get(key string) (string, error)
	Delete(key string) error
}

// Manager provides thread-safe access to connection secrets.
type Manager struct {
	mu      sync.RWMutex
	backend backend
}

// Open initializes the OS credential store. On macOS the security command is
// preferred; other platforms go through github.com/99designs/keyring.
func Open() (*Manager, error) {
	if runtime.GOOS == "darwin" {
		if b, err := newSecurityBackend(); err == nil {
			return &Manager{backend: b}, nil
		}
	}
	ring, err := openRing()
	if err != nil {
		return nil, err
	}
	return NewWithRing(ring), nil
}

// NewWithRing wraps an already opened keyring, e.g. keyring.NewArrayKeyring in tests.
func NewWithRing(ring keyring.Keyring) *Manager {
	return &Manager{backend: ringBackend{ring: ring}}
}

func openRing() (keyring.Keyring, error) {
	var allowed []keyring.BackendType
	switch runtime.GOOS {
	case "darwin":
		allowed = []keyring.BackendType{keyring.KeychainBackend, keyring.PassBackend}
	case "windows":
		allowed = []keyring.BackendType{keyring.WinCredBackend}
	case "linux":
		allowed = []keyring.BackendType{keyring.SecretServiceBackend, keyring.KWalletBackend, keyring.PassBackend}
	default:
		return nil, errors.New("secure storage not supported on this OS")
	}
	cfg := keyring.Config{
		ServiceName:     ServiceName,
		AllowedBackends: allowed,
		PassPrefix:      ServiceName,
		WinCredPrefix:   ServiceName,
	}
	ring, err := keyring.Open(cfg)
	if err != nil {
		if runtime.GOOS == "darwin" {
			return nil, errors.New("macOS Keychain unavailable. Install 'pass': brew install pass gnupg && gpg --generate-key && pass init <gpg-key-id>")
		}
		return nil, err
	}
	return ring, nil
}

func connectionKey(name string) string {
	return "connection:" + strings.TrimSpace(name)
}

// SaveConnectionPassword stores the password of a named connection.
func (m *Manager) SaveConnectionPassword(name, password string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("keychain: connection name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend.Set(connectionKey(name), password)
}

// LoadConnectionPassword returns the stored password or ErrNotFound.
func (m *Manager) LoadConnectionPassword(name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, err := m.backend.Get(connectionKey(name))
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

// DeleteConnectionPassword removes the stored password; missing entries are not an error.
func (m *Manager) DeleteConnectionPassword(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend.Delete(connectionKey(name))
}

type ringBackend struct {
	ring keyring.Keyring
}

func (r ringBackend) Set(key, value string) error {
	return r.ring.Set(keyring.Item{Key: key, Data: []byte(value)})
}

func (r ringBackend) Get(key string) (string, error) {
	it, err := r.ring.Get(key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return string(it.Data), nil
}

func (r ringBackend) Delete(key string) error {
	if err := r.ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return err
	}
	return nil
}
