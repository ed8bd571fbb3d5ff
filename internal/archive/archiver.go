package archive

import (
	"bytes"
	"context"
	"errors"
	"path"
	"strings"

	"software-factory/internal/logging"
	"software-factory/pkg/models"

	"go.uber.org/zap"
)

// Archiver uploads each terminal build as {prefix}/{project_id}/{build_id}.zip
type Archiver struct {
	storage StorageProvider
	prefix  string
	log     *zap.Logger
}

// NewArchiver wraps a storage provider
func NewArchiver(storage StorageProvider, prefix string) *Archiver {
	return &Archiver{
		storage: storage,
		prefix:  strings.Trim(prefix, "/"),
		log:     logging.L().Named("archive"),
	}
}

// Key returns the object key for a build
func (a *Archiver) Key(build *models.Build) string {
	return path.Join(a.prefix, build.ProjectID, build.ID+".zip")
}

// Archive bundles build, uploads it and returns its location
func (a *Archiver) Archive(ctx context.Context, build *models.Build) (string, error) {
	if build == nil {
		return "", errors.New("nil build")
	}
	if !build.Status.IsTerminal() {
		return "", errors.New("build is still running: " + string(build.Status))
	}

	data, err := Bundle(build)
	if err != nil {
		return "", err
	}

	key := a.Key(build)
	if err := a.storage.Upload(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		return "", err
	}

	location := a.storage.Location(key)
	a.log.Info("build archived",
		zap.String("build_id", build.ID),
		zap.String("location", location),
		zap.Int("bytes", len(data)),
	)
	return location, nil
}
