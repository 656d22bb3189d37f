package vector

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	ferrors "github.com/hyperjump/fuda/internal/errors"
)

// ManifestFile is the manifest file name inside an index directory.
const ManifestFile = "manifest.json"

// Manifest describes a persisted index. It pins the embedding model so a
// query space never silently differs from the index space.
type Manifest struct {
	ModelID    string    `json:"model_id"`
	Dimensions int       `json:"dimensions"`
	Count      int       `json:"count"`
	Type       IndexType `json:"type"`
	BuildID    string    `json:"build_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate checks the manifest against the live embedding model.
func (m *Manifest) Validate(modelID string, dimensions int) error {
	if m.ModelID != modelID {
		return ferrors.Configuration("vector.Manifest.Validate",
			fmt.Sprintf("index was built with model %q, embedder is %q; rebuild the index", m.ModelID, modelID), nil)
	}
	if m.Dimensions != dimensions {
		return ferrors.Configuration("vector.Manifest.Validate",
			fmt.Sprintf("index has %d dimensions, embedder produces %d; rebuild the index", m.Dimensions, dimensions), nil)
	}
	return nil
}

// WriteManifest stores m as dir/manifest.json.
func WriteManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	path := filepath.Join(dir, ManifestFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadManifest loads dir/manifest.json.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ferrors.NotFound("vector.ReadManifest", "no index manifest at "+path, err)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, ferrors.Configuration("vector.ReadManifest", "invalid manifest "+path, err)
	}
	return &m, nil
}

// Exists reports whether dir holds a persisted index manifest.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ManifestFile))
	return err == nil
}
