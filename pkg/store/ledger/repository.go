package ledger

import "wingman/pkg/config"

// Repository aggregates the ledger repositories
type Repository struct {
	ds *Datastore

	Run  *RunRepository
	Task *TaskRepository
}

// NewRepository opens the ledger datastore and creates all sub-repositories
func NewRepository(cfg config.LedgerConfig) (*Repository, error) {
	ds, err := NewDatastore(cfg)
	if err != nil {
		return nil, err
	}

	return &Repository{
		ds:   ds,
		Run:  NewRunRepository(ds),
		Task: NewTaskRepository(ds),
	}, nil
}

// GetDatastore returns the underlying datastore for transaction support
func (r *Repository) GetDatastore() *Datastore {
	return r.ds
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.ds.Close()
}
