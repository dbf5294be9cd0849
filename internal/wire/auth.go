package wire

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrNoCredentials is returned while no usable token is available.
var ErrNoCredentials = errors.New("no credentials available")

// AuthProvider supplies bearer tokens. Invalidate is called after a 401.
type AuthProvider interface {
	Token() (string, error)
	Invalidate()
}

// StaticToken serves a fixed token until invalidated.
type StaticToken struct {
	mu      sync.Mutex
	token   string
	invalid bool
}

// NewStaticToken returns a provider for token.
func NewStaticToken(token string) *StaticToken {
	return &StaticToken{token: token}
}

func (s *StaticToken) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalid || s.token == "" {
		return "", ErrNoCredentials
	}
	return s.token, nil
}

func (s *StaticToken) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalid = true
}

// Set installs a new token and clears invalidation.
func (s *StaticToken) Set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.invalid = false
}

// FileToken reads the token from a file written by the host application.
// After Invalidate, the cached token is dropped and the file is only
// trusted again once its modification time changes.
type FileToken struct {
	path string

	mu          sync.Mutex
	token       string
	modTime     time.Time
	invalidated bool
	staleMod    time.Time
}

// NewFileToken returns a provider reading path.
func NewFileToken(path string) *FileToken {
	return &FileToken{path: path}
}

// Path returns the token file path.
func (f *FileToken) Path() string {
	return f.path
}

func (f *FileToken) Token() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := os.Stat(f.path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoCredentials, err)
	}
	mod := info.ModTime()
	if f.invalidated {
		if mod.Equal(f.staleMod) {
			return "", ErrNoCredentials
		}
		f.invalidated = false
	}
	if f.token != "" && mod.Equal(f.modTime) {
		return f.token, nil
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoCredentials, err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoCredentials
	}
	f.token = token
	f.modTime = mod
	return token, nil
}

func (f *FileToken) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = true
	f.staleMod = f.modTime
	f.token = ""
}
