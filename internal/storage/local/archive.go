// Package local implements a filesystem archive.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
)

// Config captures the parameters for the local filesystem archive.
type Config struct {
	// BaseDir is the root directory where archived payloads are written.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Sidecar is written next to every archived payload.
type Sidecar struct {
	Identifier string `json:"identifier"`
	Checksum   string `json:"checksum"`
	SourceDate string `json:"source_date"`
	Endpoint   string `json:"endpoint"`
	SizeBytes  int    `json:"size_bytes"`
}

// Archive writes payloads to the local filesystem.
type Archive struct {
	baseDir string
}

var _ harvest.Archive = (*Archive)(nil)

// New creates a filesystem archive rooted at cfg.BaseDir, creating it if needed.
func New(cfg Config) (*Archive, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("clean up test file: %w", err)
	}

	return &Archive{baseDir: cfg.BaseDir}, nil
}

// Upload writes payload under <endpoint>/<source date>/<identifier>.json.gz
// with a .meta.json sidecar and returns a file:// URI.
func (a *Archive) Upload(ctx context.Context, identifier string, payload []byte, meta harvest.ArchiveMetadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(identifier) == "" {
		return "", fmt.Errorf("identifier is required")
	}
	endpoint := meta.Endpoint
	if endpoint == "" {
		endpoint = "unknown"
	}
	fullPath := filepath.Join(a.baseDir, endpoint, meta.SourceDate, identifier+".json.gz")

	cleanBaseDir := filepath.Clean(a.baseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(fullPath, payload, 0o600); err != nil {
		return "", fmt.Errorf("write payload: %w", err)
	}

	sidecar, err := json.MarshalIndent(Sidecar{
		Identifier: identifier,
		Checksum:   meta.Checksum,
		SourceDate: meta.SourceDate,
		Endpoint:   meta.Endpoint,
		SizeBytes:  len(payload),
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal sidecar: %w", err)
	}
	if err := os.WriteFile(fullPath+".meta.json", sidecar, 0o600); err != nil {
		return "", fmt.Errorf("write sidecar: %w", err)
	}
	return "file://" + fullPath, nil
}
