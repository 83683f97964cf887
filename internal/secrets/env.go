package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider reads env://NAME references.
type EnvProvider struct{}

func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (EnvProvider) Scheme() string { return "env" }

func (EnvProvider) Resolve(_ context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty environment variable name", ErrNotFound)
	}
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("%w: environment variable %q is not set or empty", ErrNotFound, name)
	}
	return v, nil
}

// FileProvider reads file:///path references, e.g. mounted Docker or
// Kubernetes secrets. Surrounding whitespace is trimmed.
type FileProvider struct{}

func NewFileProvider() *FileProvider { return &FileProvider{} }

func (FileProvider) Scheme() string { return "file" }

func (FileProvider) Resolve(_ context.Context, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty file path", ErrNotFound)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", err
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNotFound, path)
	}
	return v, nil
}
