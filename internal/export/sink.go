package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Sink persists a generated artifact and returns a URL a client can fetch it
// from.
type Sink interface {
	Store(filename, contentType string, r io.Reader) (string, error)
}

// LocalSink writes artifacts to a directory served under BaseURL.
type LocalSink struct {
	Dir     string
	BaseURL string
}

func NewLocalSink(dir, baseURL string) (*LocalSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	return &LocalSink{Dir: dir, BaseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *LocalSink) Store(filename, _ string, r io.Reader) (string, error) {
	// Prefix with a short random id so repeated exports never clobber
	// each other.
	name := uuid.NewString()[:8] + "_" + filepath.Base(filename)
	path := filepath.Join(s.Dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("failed to write export file: %w", err)
	}
	return s.BaseURL + "/" + name, nil
}
