// Package file provides file-based persistence for the step catalog, pipelines and runs.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/pipestudio/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
// Every entity is stored as one JSON document under root.
type Persistence struct {
	root         string
	stepRepo     *StepRepository
	pipelineRepo *PipelineRepository
	runRepo      *RunRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:         cleanRoot,
		stepRepo:     NewStepRepository(cleanRoot),
		pipelineRepo: NewPipelineRepository(cleanRoot),
		runRepo:      NewRunRepository(cleanRoot),
	}
}

func (fp *Persistence) StepRepository() persistence.StepRepository {
	return fp.stepRepo
}

func (fp *Persistence) PipelineRepository() persistence.PipelineRepository {
	return fp.pipelineRepo
}

func (fp *Persistence) RunRepository() persistence.RunRepository {
	return fp.runRepo
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// readDocument decodes dir/id.json into v. It returns fs.ErrNotExist when the file is missing.
func readDocument(root, dir, id string, v any) error {
	body, err := os.ReadFile(filepath.Clean(filepath.Join(root, dir, id+".json")))
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s/%s: %w", dir, id, err)
	}

	return nil
}

// writeDocument stores v as dir/id.json. The document is written to a temporary
// file first and renamed into place, so readers never see a partial write.
func writeDocument(root, dir, id string, v any) error {
	dirPath := filepath.Join(root, dir)

	if err := os.MkdirAll(dirPath, 0o750); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", dir, id, err)
	}

	tmp, err := os.CreateTemp(dirPath, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s/%s: %w", dir, id, err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write %s/%s: %w", dir, id, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to close %s/%s: %w", dir, id, err)
	}

	return os.Rename(tmp.Name(), filepath.Join(dirPath, id+".json"))
}

// listDocuments returns the ids of every document stored under dir.
func listDocuments(root, dir string) ([]string, error) {
	files, err := fs.Glob(os.DirFS(filepath.Join(root, dir)), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s files: %w", dir, err)
	}

	ids := make([]string, 0, len(files))
	for _, f := range files {
		ids = append(ids, strings.TrimSuffix(f, ".json"))
	}

	return ids, nil
}

func removeDocument(root, dir, id string) error {
	err := os.Remove(filepath.Join(root, dir, id+".json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s/%s: %w", dir, id, err)
	}

	return nil
}
