package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	pipeerr "github.com/permanode/fulfillment/internal/pkg/errors"
)

func TestMapErrorLockConflict(t *testing.T) {
	err := mapError(&pgconn.PgError{
		Code:    pgCodeLockNotAvailable,
		Message: "could not obtain lock on row",
	})
	assert.ErrorIs(t, err, pipeerr.ErrLockConflict)
	assert.NotErrorIs(t, err, pipeerr.ErrNotFound)
}

func TestMapErrorUniqueViolation(t *testing.T) {
	err := mapError(&pgconn.PgError{
		Code:    pgCodeUniqueViolation,
		Message: `duplicate key value violates unique constraint "new_data_item_pkey"`,
	})
	assert.ErrorIs(t, err, pipeerr.ErrDataItemExists)
}

func TestMapErrorNoRows(t *testing.T) {
	assert.ErrorIs(t, mapError(pgx.ErrNoRows), pipeerr.ErrNotFound)
	assert.ErrorIs(t, mapError(fmt.Errorf("query one: %w", pgx.ErrNoRows)), pipeerr.ErrNotFound)
}

func TestMapErrorWrappedPgError(t *testing.T) {
	wrapped := fmt.Errorf("move batch: %w", &pgconn.PgError{Code: pgCodeLockNotAvailable})
	assert.ErrorIs(t, mapError(wrapped), pipeerr.ErrLockConflict)
}

func TestMapErrorPassesThroughUnknown(t *testing.T) {
	unknown := errors.New("connection refused")
	assert.Equal(t, unknown, mapError(unknown))

	otherPg := mapError(&pgconn.PgError{Code: "42P01", Message: "relation does not exist"})
	assert.NotErrorIs(t, otherPg, pipeerr.ErrLockConflict)
	assert.NotErrorIs(t, otherPg, pipeerr.ErrDataItemExists)
	assert.NotErrorIs(t, otherPg, pipeerr.ErrNotFound)
}

func TestMapErrorNil(t *testing.T) {
	assert.NoError(t, mapError(nil))
}

func TestChunkIDs(t *testing.T) {
	ids := make([]string, 1203)
	for i := range ids {
		ids[i] = fmt.Sprintf("id-%d", i)
	}

	batches := chunkIDs(ids)
	assert.Len(t, batches, 3)
	assert.Len(t, batches[0], batchingSize)
	assert.Len(t, batches[1], batchingSize)
	assert.Len(t, batches[2], 203)
	assert.Equal(t, "id-0", batches[0][0])
	assert.Equal(t, "id-1202", batches[2][202])

	assert.Nil(t, chunkIDs(nil))
}
