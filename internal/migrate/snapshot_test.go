package migrate

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagehq/vantage/internal/schema"
)

func TestSnapshotsSaveUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := partnerModel()
	sum, err := schema.Checksum(m)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO module_model_state")).
		WithArgs("crm", "Partner", "partners", sqlmock.AnyArg(), sum, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewSnapshots(db)
	require.NoError(t, s.Save(context.Background(), "crm", m))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotsDrift(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := partnerModel()
	sum, err := schema.Checksum(m)
	require.NoError(t, err)
	def := `{"name":"Partner","table":"partners"}`

	s := NewSnapshots(db)

	// No snapshot counts as drifted.
	mock.ExpectQuery("FROM module_model_state").
		WithArgs("crm", "Partner").
		WillReturnRows(sqlmock.NewRows([]string{"definition", "checksum"}))
	drifted, err := s.Drift(context.Background(), "crm", m)
	require.NoError(t, err)
	assert.True(t, drifted)

	// Matching checksum means no drift.
	mock.ExpectQuery("FROM module_model_state").
		WithArgs("crm", "Partner").
		WillReturnRows(sqlmock.NewRows([]string{"definition", "checksum"}).AddRow(def, sum))
	drifted, err = s.Drift(context.Background(), "crm", m)
	require.NoError(t, err)
	assert.False(t, drifted)

	// Any model change shows up as drift.
	mock.ExpectQuery("FROM module_model_state").
		WithArgs("crm", "Partner").
		WillReturnRows(sqlmock.NewRows([]string{"definition", "checksum"}).AddRow(def, "stale"))
	drifted, err = s.Drift(context.Background(), "crm", m)
	require.NoError(t, err)
	assert.True(t, drifted)
}

func TestSnapshotsDelete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM module_model_state")).
		WithArgs("crm").
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, NewSnapshots(db).Delete(context.Background(), "crm"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
