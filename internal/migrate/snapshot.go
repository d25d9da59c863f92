package migrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vantagehq/vantage/internal/schema"
)

// Snapshots persists the model definitions that were in force after each
// successful install or upgrade, so later runs can detect drift between the
// declared model and what was last applied.
type Snapshots struct {
	db *sql.DB
}

// NewSnapshots creates the snapshot store over an open database handle.
func NewSnapshots(db *sql.DB) *Snapshots {
	return &Snapshots{db: db}
}

const createSnapshotTableSQL = `
CREATE TABLE IF NOT EXISTS module_model_state (
	module_name VARCHAR(64) NOT NULL,
	model_name VARCHAR(128) NOT NULL,
	table_name VARCHAR(128) NOT NULL,
	definition JSONB NOT NULL,
	checksum VARCHAR(64) NOT NULL,
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (module_name, model_name)
)`

// EnsureTable creates the snapshot table if needed.
func (s *Snapshots) EnsureTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createSnapshotTableSQL); err != nil {
		return fmt.Errorf("create model state table: %w", err)
	}
	return nil
}

// Save upserts the snapshot of one model.
func (s *Snapshots) Save(ctx context.Context, module string, m *schema.Model) error {
	def, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode model %s: %w", m.Name, err)
	}
	sum, err := schema.Checksum(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO module_model_state
			(module_name, model_name, table_name, definition, checksum, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (module_name, model_name)
		DO UPDATE SET table_name = $3, definition = $4, checksum = $5, updated_at = $6`,
		module, m.Name, m.TableName(), def, sum, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save model state for %s.%s: %w", module, m.Name, err)
	}
	return nil
}

// SavedState returns the stored definition and checksum of a model, or nil
// when no snapshot exists.
func (s *Snapshots) SavedState(ctx context.Context, module, model string) (*schema.Model, string, error) {
	var (
		def string
		sum string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT definition::text, checksum FROM module_model_state
		WHERE module_name = $1 AND model_name = $2`,
		module, model).Scan(&def, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("load model state for %s.%s: %w", module, model, err)
	}
	var m schema.Model
	if err := json.Unmarshal([]byte(def), &m); err != nil {
		return nil, "", fmt.Errorf("decode model state for %s.%s: %w", module, model, err)
	}
	return &m, sum, nil
}

// Drift reports whether the declared model differs from its last snapshot.
// A model with no snapshot has drifted by definition.
func (s *Snapshots) Drift(ctx context.Context, module string, m *schema.Model) (bool, error) {
	_, saved, err := s.SavedState(ctx, module, m.Name)
	if err != nil {
		return false, err
	}
	if saved == "" {
		return true, nil
	}
	current, err := schema.Checksum(m)
	if err != nil {
		return false, err
	}
	return current != saved, nil
}

// Delete removes all snapshots of a module.
func (s *Snapshots) Delete(ctx context.Context, module string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM module_model_state WHERE module_name = $1`, module); err != nil {
		return fmt.Errorf("delete model state for %s: %w", module, err)
	}
	return nil
}
