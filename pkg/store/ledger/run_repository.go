package ledger

import (
	"context"
	"errors"
	"fmt"

	"wingman/pkg/store/ledger/model"

	"gorm.io/gorm"
)

// RunRepository handles run persistence
type RunRepository struct {
	ds *Datastore
}

// NewRunRepository creates a new run repository
func NewRunRepository(ds *Datastore) *RunRepository {
	return &RunRepository{ds: ds}
}

// Create inserts a run and fills in its generated run id
func (r *RunRepository) Create(ctx context.Context, run *model.Run) error {
	if err := r.ds.DB(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// Get retrieves a run by id, returning nil when it does not exist
func (r *RunRepository) Get(ctx context.Context, runID int64) (*model.Run, error) {
	var run model.Run
	err := r.ds.DB(ctx).Where("run_id = ?", runID).First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// GetByDir retrieves the most recent run registered for runDir, or nil
func (r *RunRepository) GetByDir(ctx context.Context, runDir string) (*model.Run, error) {
	var run model.Run
	err := r.ds.DB(ctx).Where("run_dir = ?", runDir).Order("run_id DESC").First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run by dir: %w", err)
	}
	return &run, nil
}

// List returns runs ordered by id, newest first
func (r *RunRepository) List(ctx context.Context, limit int) ([]*model.Run, error) {
	var runs []*model.Run
	query := r.ds.DB(ctx).Order("run_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}
