package file

import (
	"context"
	"errors"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/persistence"
)

const runsDir = "runs"

// runDocument keeps a run and its log in one file so both are written together.
type runDocument struct {
	Run  *models.Run       `json:"run"`
	Logs []models.LogEntry `json:"logs"`
}

// RunRepository handles run file operations, one document per project.
type RunRepository struct {
	root string
	mu   sync.RWMutex
}

// NewRunRepository creates a new run repository.
func NewRunRepository(root string) *RunRepository {
	return &RunRepository{root: root}
}

// GetAll returns every stored run ordered by creation time.
func (rr *RunRepository) GetAll(_ context.Context) ([]*models.Run, error) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	ids, err := listDocuments(rr.root, runsDir)
	if err != nil {
		return nil, err
	}

	runs := make([]*models.Run, 0, len(ids))

	for _, id := range ids {
		var doc runDocument
		if err := readDocument(rr.root, runsDir, id, &doc); err != nil {
			return nil, persistence.NewRunError("GetAll", id, err)
		}

		if doc.Run != nil {
			runs = append(runs, doc.Run)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})

	return runs, nil
}

// GetByProject retrieves the run of a project.
func (rr *RunRepository) GetByProject(_ context.Context, projectID string) (*models.Run, error) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	doc, err := rr.load(projectID)
	if err != nil {
		return nil, persistence.NewRunError("GetByProject", projectID, err)
	}

	return doc.Run, nil
}

// Save writes the run state and appends entries to its log in a single file write.
func (rr *RunRepository) Save(_ context.Context, run *models.Run, entries ...models.LogEntry) error {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	doc, err := rr.load(run.ProjectID)
	if err != nil && !errors.Is(err, persistence.ErrRunNotFound) {
		return persistence.NewRunError("Save", run.ProjectID, err)
	}

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}

	run.UpdatedAt = now

	doc.Run = run
	doc.Logs = append(doc.Logs, entries...)

	if err := writeDocument(rr.root, runsDir, run.ProjectID, doc); err != nil {
		return persistence.NewRunError("Save", run.ProjectID, err)
	}

	return nil
}

// Logs returns the audit log of a run in write order.
func (rr *RunRepository) Logs(ctx context.Context, runID string) ([]models.LogEntry, error) {
	runs, err := rr.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	rr.mu.RLock()
	defer rr.mu.RUnlock()

	for _, run := range runs {
		if run.ID != runID {
			continue
		}

		doc, err := rr.load(run.ProjectID)
		if err != nil {
			return nil, persistence.NewRunError("Logs", run.ProjectID, err)
		}

		return doc.Logs, nil
	}

	return nil, persistence.NewRunError("Logs", runID, persistence.ErrRunNotFound)
}

// Delete removes the run and its log.
func (rr *RunRepository) Delete(_ context.Context, projectID string) error {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if _, err := rr.load(projectID); err != nil {
		return persistence.NewRunError("Delete", projectID, err)
	}

	if err := removeDocument(rr.root, runsDir, projectID); err != nil {
		return persistence.NewRunError("Delete", projectID, err)
	}

	return nil
}

func (rr *RunRepository) load(projectID string) (*runDocument, error) {
	doc := &runDocument{Logs: []models.LogEntry{}}

	err := readDocument(rr.root, runsDir, projectID, doc)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, persistence.ErrRunNotFound
	}

	if err != nil {
		return doc, err
	}

	if doc.Run == nil {
		return doc, persistence.ErrRunNotFound
	}

	return doc, nil
}
