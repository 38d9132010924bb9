package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/escalate/model"
)

// recordingDB captures the SQL sent to it and finds no rows.
type recordingDB struct {
	queries []string
}

type noRow struct{}

func (noRow) Scan(...any) error { return pgx.ErrNoRows }

func (d *recordingDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	d.queries = append(d.queries, sql)
	return pgconn.CommandTag{}, errors.New("exec not supported")
}

func (d *recordingDB) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	d.queries = append(d.queries, sql)
	return nil, errors.New("query not supported")
}

func (d *recordingDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	d.queries = append(d.queries, sql)
	return noRow{}
}

func (d *recordingDB) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("begin not supported")
}

func TestPgStore_rowReadsLockInsideTransaction(t *testing.T) {
	reads := map[string]func(context.Context, *PgStore) error{
		"workflow instance": func(ctx context.Context, s *PgStore) error {
			_, err := s.GetWorkflowInstance(ctx, "wi-1")
			return err
		},
		"step instance": func(ctx context.Context, s *PgStore) error {
			_, err := s.GetStepInstance(ctx, "st-1")
			return err
		},
		"escalation": func(ctx context.Context, s *PgStore) error {
			_, err := s.GetEscalation(ctx, "esc-1")
			return err
		},
	}

	for name, read := range reads {
		t.Run(name, func(t *testing.T) {
			for _, inTx := range []bool{true, false} {
				db := &recordingDB{}
				s := &PgStore{db: db, inTx: inTx}

				err := read(context.Background(), s)
				require.Error(t, err)
				assert.True(t, model.IsNotFound(err), "missing row is NOT_FOUND: %v", err)
				require.Len(t, db.queries, 1)

				locked := strings.HasSuffix(strings.TrimSpace(db.queries[0]), "FOR UPDATE")
				assert.Equal(t, inTx, locked, "inTx=%v query: %s", inTx, db.queries[0])
			}
		})
	}
}
