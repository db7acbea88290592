package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"subrent/pkg/database"
)

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), database.Config())
	require.NoError(t, err)
	return db, mock
}

var errConnReset = errors.New("connection reset by peer")

var rentalColumns = []string{"id", "subdomain", "icon", "owner_id", "content", "created_at"}

// midnight is how postgres hands back a date column.
func midnight(day string) time.Time {
	t, err := time.Parse("2006-01-02", day)
	if err != nil {
		panic(err)
	}
	return t
}

// expectLostInsert sets up a transaction that finds the subdomain free but
// whose rental insert hits the unique index after a concurrent commit.
func expectLostInsert(mock sqlmock.Sqlmock, subdomain string) {
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM "rentals" WHERE subdomain = \$1 FOR UPDATE`).
		WithArgs(subdomain).
		WillReturnRows(sqlmock.NewRows(rentalColumns))
	mock.ExpectQuery(`SELECT (.+) FROM "bookings" JOIN rentals`).
		WillReturnRows(sqlmock.NewRows([]string{"day"}))
	mock.ExpectExec(`INSERT INTO "rentals"`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()
}

func expectOwner(mock sqlmock.Sqlmock, subdomain, owner string) {
	mock.ExpectQuery(`SELECT (.+) FROM "rentals" WHERE subdomain = \$1`).
		WithArgs(subdomain).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow(owner))
}

func TestBookedDaysStorageFailure(t *testing.T) {
	db, mock := setupMockDB(t)
	svc := NewService(db, zap.NewNop(), nil)

	mock.ExpectQuery(`SELECT (.+) FROM "bookings" JOIN rentals`).
		WithArgs("joke").
		WillReturnError(errConnReset)

	booked, err := svc.BookedDays(context.Background(), "joke")

	assert.Nil(t, booked)
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	assert.ErrorIs(t, err, errConnReset)
	var conflict *ConflictError
	assert.False(t, errors.As(err, &conflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAreAvailableFailsClosed(t *testing.T) {
	db, mock := setupMockDB(t)
	svc := NewService(db, zap.NewNop(), nil)

	mock.ExpectQuery(`SELECT (.+) FROM "bookings" JOIN rentals`).
		WillReturnError(errConnReset)

	ok, err := svc.AreAvailable(context.Background(), "joke", days("2025-11-01"))

	assert.False(t, ok)
	var serr *StorageError
	assert.ErrorAs(t, err, &serr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookBeginFailure(t *testing.T) {
	db, mock := setupMockDB(t)
	svc := NewService(db, zap.NewNop(), nil)

	mock.ExpectBegin().WillReturnError(errConnReset)

	rental, err := svc.Book(context.Background(), Request{Subdomain: "joke", Icon: "😀", OwnerID: "u1", Days: days("2025-11-01")})

	assert.Nil(t, rental)
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "book", serr.Op)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookRollsBackOnReadFailure(t *testing.T) {
	db, mock := setupMockDB(t)
	svc := NewService(db, zap.NewNop(), nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM "rentals" WHERE subdomain = \$1 FOR UPDATE`).
		WithArgs("joke").
		WillReturnError(errConnReset)
	mock.ExpectRollback()

	_, err := svc.Book(context.Background(), Request{Subdomain: "joke", Icon: "😀", OwnerID: "u1", Days: days("2025-11-01")})

	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookValidationSkipsStore(t *testing.T) {
	db, mock := setupMockDB(t)
	svc := NewService(db, zap.NewNop(), nil)

	_, err := svc.Book(context.Background(), Request{Subdomain: "no spaces", Icon: "😀", OwnerID: "u1", Days: days("2025-11-01")})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetContentStorageFailure(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewContentStore(db, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "rentals" SET "content"=\$1`).
		WillReturnError(errConnReset)
	mock.ExpectRollback()

	err := store.SetContent(context.Background(), uuid.New().String(), "u1", "<p>hi</p>")

	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	assert.NotErrorIs(t, err, ErrUnauthorized)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookLosingInsertRaceReportsWinnerDays(t *testing.T) {
	db, mock := setupMockDB(t)
	svc := NewService(db, zap.NewNop(), nil)

	expectLostInsert(mock, "race")
	expectOwner(mock, "race", "u2")
	mock.ExpectQuery(`SELECT (.+) FROM "bookings" JOIN rentals`).
		WillReturnRows(sqlmock.NewRows([]string{"day"}).AddRow(midnight("2025-11-03")))

	rental, err := svc.Book(context.Background(), Request{Subdomain: "race", Icon: "😀", OwnerID: "u1", Days: days("2025-11-01", "2025-11-02", "2025-11-03")})

	assert.Nil(t, rental)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, days("2025-11-03"), conflict.Days)
	var serr *StorageError
	assert.False(t, errors.As(err, &serr))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookLosingInsertRaceWithoutDays(t *testing.T) {
	db, mock := setupMockDB(t)
	svc := NewService(db, zap.NewNop(), nil)

	expectLostInsert(mock, "race")
	expectOwner(mock, "race", "u2")
	mock.ExpectQuery(`SELECT (.+) FROM "bookings" JOIN rentals`).
		WillReturnError(errConnReset)

	_, err := svc.Book(context.Background(), Request{Subdomain: "race", Icon: "😀", OwnerID: "u1", Days: days("2025-11-03")})

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Empty(t, conflict.Days)
	assert.Equal(t, "race", conflict.Subdomain)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookLosingInsertRaceToSameOwnerExtends(t *testing.T) {
	db, mock := setupMockDB(t)
	svc := NewService(db, zap.NewNop(), nil)
	rentalID := uuid.New().String()
	created := time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC)

	expectLostInsert(mock, "race")
	expectOwner(mock, "race", "u1")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM "rentals" WHERE subdomain = \$1 FOR UPDATE`).
		WithArgs("race").
		WillReturnRows(sqlmock.NewRows(rentalColumns).AddRow(rentalID, "race", "😀", "u1", "", created))
	mock.ExpectQuery(`SELECT (.+) FROM "bookings" JOIN rentals`).
		WillReturnRows(sqlmock.NewRows([]string{"day"}))
	mock.ExpectExec(`INSERT INTO "bookings"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT (.+) FROM "rentals" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(rentalColumns).AddRow(rentalID, "race", "😀", "u1", "", created))
	mock.ExpectQuery(`SELECT (.+) FROM "bookings" WHERE "bookings"."rental_id" = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "rental_id", "day", "created_at"}).
			AddRow(uuid.New().String(), rentalID, midnight("2025-11-01"), created).
			AddRow(uuid.New().String(), rentalID, midnight("2025-11-04"), created))
	mock.ExpectCommit()

	rental, err := svc.Book(context.Background(), Request{Subdomain: "race", Icon: "😀", OwnerID: "u1", Days: days("2025-11-04")})

	require.NoError(t, err)
	assert.Equal(t, rentalID, rental.ID)
	assert.Equal(t, days("2025-11-01", "2025-11-04"), rental.Days())
	assert.NoError(t, mock.ExpectationsWereMet())
}
