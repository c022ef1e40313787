// internal/auth/keystore.go
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Keystore holds a client's session tokens keyed by room code.
type Keystore interface {
	Get(code string) (string, bool)
	Put(code, token string) error
	Delete(code string) error
}

func normCode(code string) string { return strings.ToUpper(strings.TrimSpace(code)) }

// MemoryKeystore keeps tokens for the life of the process.
type MemoryKeystore struct {
	mu     sync.Mutex
	tokens map[string]string
}

// NewMemoryKeystore creates an empty keystore.
func NewMemoryKeystore() *MemoryKeystore {
	return &MemoryKeystore{tokens: make(map[string]string)}
}

func (k *MemoryKeystore) Get(code string) (string, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.tokens[normCode(code)]
	return t, ok
}

func (k *MemoryKeystore) Put(code, token string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.tokens[normCode(code)] = token
	return nil
}

func (k *MemoryKeystore) Delete(code string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.tokens, normCode(code))
	return nil
}

// FileKeystore persists tokens and the device fingerprint as a JSON file.
// Writes go to a temp file renamed over the original.
type FileKeystore struct {
	path string
	mu   sync.Mutex
}

type keystoreFile struct {
	Fingerprint string            `json:"fingerprint"`
	Tokens      map[string]string `json:"tokens"`
}

// NewFileKeystore opens (or lazily creates) the keystore at path.
func NewFileKeystore(path string) *FileKeystore {
	return &FileKeystore{path: path}
}

func (k *FileKeystore) load() (keystoreFile, error) {
	var f keystoreFile
	data, err := os.ReadFile(k.path)
	if errors.Is(err, os.ErrNotExist) {
		f.Tokens = make(map[string]string)
		return f, nil
	}
	if err != nil {
		return f, fmt.Errorf("read keystore: %w", err)
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decode keystore: %w", err)
	}
	if f.Tokens == nil {
		f.Tokens = make(map[string]string)
	}
	return f, nil
}

func (k *FileKeystore) save(f keystoreFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0o700); err != nil {
		return fmt.Errorf("create keystore dir: %w", err)
	}
	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	return os.Rename(tmp, k.path)
}

func (k *FileKeystore) Get(code string) (string, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	f, err := k.load()
	if err != nil {
		return "", false
	}
	t, ok := f.Tokens[normCode(code)]
	return t, ok
}

func (k *FileKeystore) Put(code, token string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	f, err := k.load()
	if err != nil {
		return err
	}
	f.Tokens[normCode(code)] = token
	return k.save(f)
}

func (k *FileKeystore) Delete(code string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	f, err := k.load()
	if err != nil {
		return err
	}
	if _, ok := f.Tokens[normCode(code)]; !ok {
		return nil
	}
	delete(f.Tokens, normCode(code))
	return k.save(f)
}

// Fingerprint returns the device fingerprint, creating and persisting one on
// first use.
func (k *FileKeystore) Fingerprint() (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	f, err := k.load()
	if err != nil {
		return "", err
	}
	if f.Fingerprint != "" {
		return f.Fingerprint, nil
	}
	fp, err := NewFingerprint()
	if err != nil {
		return "", err
	}
	f.Fingerprint = fp
	return fp, k.save(f)
}
