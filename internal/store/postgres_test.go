package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"no rows", pgx.ErrNoRows, ErrNotFound},
		{"unique violation", &pgconn.PgError{Code: "23505"}, ErrAlreadyMember},
		{"foreign key violation", &pgconn.PgError{Code: "23503"}, ErrNotFound},
		{"not null violation", &pgconn.PgError{Code: "23502"}, ErrValidation},
		{"check violation", &pgconn.PgError{Code: "23514"}, ErrValidation},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, ErrConflict},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, ErrConflict},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapError(tc.in)
			if tc.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tc.want)
		})
	}

	// Unrecognized driver errors pass through untouched so callers see an
	// internal error, never a mistranslated kind.
	raw := &pgconn.PgError{Code: "42P01"}
	assert.ErrorIs(t, mapError(raw), raw)
}
