// Package archive packages a build's output as a zip and stores it
package archive

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"software-factory/pkg/models"
)

// ManifestName is the zip entry describing the build itself
const ManifestName = "BUILD.json"

type manifest struct {
	ID          string               `json:"id"`
	ProjectID   string               `json:"project_id"`
	FeatureID   string               `json:"feature_id"`
	Status      models.BuildStatus   `json:"status"`
	Files       []string             `json:"files"`
	Tests       []string             `json:"tests"`
	Metadata    models.BuildMetadata `json:"metadata"`
	Logs        []models.BuildLog    `json:"logs"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

// Bundle writes the build's files and tests into a zip at their workspace
// relative paths, plus a BUILD.json manifest. Entries whose path would
// escape the archive root are skipped.
func Bundle(build *models.Build) ([]byte, error) {
	if build == nil {
		return nil, fmt.Errorf("nil build")
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	m := manifest{
		ID:          build.ID,
		ProjectID:   build.ProjectID,
		FeatureID:   build.FeatureID,
		Status:      build.Status,
		Files:       []string{},
		Tests:       []string{},
		Metadata:    build.Metadata,
		Logs:        build.Logs,
		CompletedAt: build.CompletedAt,
	}

	seen := make(map[string]bool, len(build.Files)+len(build.Tests))
	write := func(f models.BuildFile) (string, error) {
		name, ok := entryName(f.Path)
		if !ok || seen[name] {
			return "", nil
		}
		seen[name] = true
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: modTime(build)})
		if err != nil {
			return "", err
		}
		if _, err := w.Write([]byte(f.Content)); err != nil {
			return "", err
		}
		return name, nil
	}

	for _, f := range build.Files {
		name, err := write(f)
		if err != nil {
			return nil, fmt.Errorf("write %s: %w", f.Path, err)
		}
		if name != "" {
			m.Files = append(m.Files, name)
		}
	}
	for _, f := range build.Tests {
		name, err := write(f)
		if err != nil {
			return nil, fmt.Errorf("write %s: %w", f.Path, err)
		}
		if name != "" {
			m.Tests = append(m.Tests, name)
		}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: ManifestName, Method: zip.Deflate, Modified: modTime(build)})
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// entryName cleans p into a relative slash path inside the archive
func entryName(p string) (string, bool) {
	p = strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", false
		}
	}
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if clean == "" || clean == ManifestName {
		return "", false
	}
	return clean, true
}

func modTime(build *models.Build) time.Time {
	if build.CompletedAt != nil {
		return *build.CompletedAt
	}
	if !build.CreatedAt.IsZero() {
		return build.CreatedAt
	}
	return time.Now()
}
