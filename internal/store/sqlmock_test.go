package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBurnAndFetchNote_EmitsSingleAtomicStatement pins down, with a mocked
// driver, that burn_and_fetch_note is exactly one UPDATE ... RETURNING
// round trip and never a separate read followed by a write — the property
// the concurrent-race test in notes_test.go exercises behaviorally, this
// pins down at the SQL level.
func TestBurnAndFetchNote_EmitsSingleAtomicStatement(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	db := sqlx.NewDb(mockDB, "sqlmock")
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	s := New(db, nil, logger)

	rows := sqlmock.NewRows([]string{"ciphertext", "iv"}).AddRow([]byte("ct"), []byte("iv"))
	mock.ExpectQuery(`UPDATE notes\s+SET views_left = views_left - 1\s+WHERE id = \$1 AND expires_at >= \$2 AND views_left > 0\s+RETURNING ciphertext, iv`).
		WithArgs("note-1", sqlmock.AnyArg()).
		WillReturnRows(rows)

	ct, iv, err := s.BurnAndFetchNote(context.Background(), "note-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("ct"), ct)
	assert.Equal(t, []byte("iv"), iv)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBurnAndFetchNote_MockedNoRowsMapsToErrGone(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	db := sqlx.NewDb(mockDB, "sqlmock")
	logger := logrus.New()
	s := New(db, nil, logger)

	mock.ExpectQuery(`UPDATE notes`).
		WithArgs("gone", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"ciphertext", "iv"}))

	_, _, err = s.BurnAndFetchNote(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrGone)
	assert.NoError(t, mock.ExpectationsWereMet())
}
