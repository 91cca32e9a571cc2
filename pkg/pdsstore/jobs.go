package pdsstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/gopds/pkg/pdsjob"
)

const jobColumns = `uuid, server_id, owner, state, created, started, ended, result, traffic_light, configuration, messages`

// JobStore implements pdsjob.Store.
type JobStore struct {
	db *sql.DB
}

func (s *JobStore) FindByID(ctx context.Context, id uuid.UUID) (*pdsjob.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM pds_job WHERE uuid = ?`, id.String())
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &pdsjob.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("find job: %w", err)
	}
	return job, nil
}

// Save inserts the job or overwrites every column of an existing one.
func (s *JobStore) Save(ctx context.Context, job *pdsjob.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.UUID == uuid.Nil {
		return fmt.Errorf("job uuid is required")
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO pds_job (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			server_id=excluded.server_id,
			owner=excluded.owner,
			state=excluded.state,
			created=excluded.created,
			started=excluded.started,
			ended=excluded.ended,
			result=excluded.result,
			traffic_light=excluded.traffic_light,
			configuration=excluded.configuration,
			messages=excluded.messages`,
		job.UUID.String(),
		job.ServerID,
		job.Owner,
		string(job.State),
		nanos(job.Created),
		nullNanos(job.Started),
		nullNanos(job.Ended),
		string(job.Result),
		string(job.TrafficLight),
		job.Configuration,
		job.Messages,
	)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

// ApplyTransition runs a single guarded UPDATE in its own transaction. The
// state guard in the WHERE clause makes it a compare-and-set: of two racing
// transitions only the first to commit matches.
func (s *JobStore) ApplyTransition(ctx context.Context, t pdsjob.Transition) (bool, error) {
	if len(t.From) == 0 {
		return false, fmt.Errorf("transition needs at least one source state")
	}

	sets := []string{"state = ?"}
	args := []any{string(t.To)}
	if t.SetStarted {
		sets = append(sets, "started = ?")
		args = append(args, nullNanos(t.Started))
	}
	if t.SetEnded {
		sets = append(sets, "ended = ?")
		args = append(args, nullNanos(t.Ended))
	}
	if t.SetOutcome {
		sets = append(sets, "result = ?", "traffic_light = ?")
		args = append(args, string(t.Result), string(t.TrafficLight))
	}

	placeholders := make([]string, len(t.From))
	args = append(args, t.ID.String())
	for i, st := range t.From {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	query := `UPDATE pds_job SET ` + strings.Join(sets, ", ") +
		` WHERE uuid = ? AND state IN (` + strings.Join(placeholders, ", ") + `)`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("apply transition to %s: %w", t.To, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transition: %w", err)
	}
	return n == 1, nil
}

func (s *JobStore) CountByServerAndState(ctx context.Context, serverID string, state pdsjob.State) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pds_job WHERE server_id = ? AND state = ?`,
		serverID, string(state)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func (s *JobStore) FindByServerAndState(ctx context.Context, serverID string, state pdsjob.State, limit int) ([]pdsjob.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM pds_job
		WHERE server_id = ? AND state = ?
		ORDER BY created ASC, uuid ASC`
	args := []any{serverID, string(state)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// List returns jobs of all servers, oldest first. serverID "" matches all.
func (s *JobStore) List(ctx context.Context, serverID string) ([]pdsjob.Job, error) {
	if serverID == "" {
		return s.query(ctx, `SELECT `+jobColumns+` FROM pds_job ORDER BY created ASC, uuid ASC`)
	}
	return s.query(ctx, `SELECT `+jobColumns+` FROM pds_job WHERE server_id = ? ORDER BY created ASC, uuid ASC`, serverID)
}

func (s *JobStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pds_job WHERE ended IS NOT NULL AND ended < ? AND state IN (?, ?, ?)`,
		nanos(cutoff),
		string(pdsjob.StateDone), string(pdsjob.StateFailed), string(pdsjob.StateCanceled))
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (s *JobStore) query(ctx context.Context, query string, args ...any) ([]pdsjob.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]pdsjob.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*pdsjob.Job, error) {
	var (
		id, serverID, owner, state string
		created                    int64
		started, ended             sql.NullInt64
		result, light              string
		configuration, messages    string
	)
	if err := row.Scan(&id, &serverID, &owner, &state, &created, &started, &ended, &result, &light, &configuration, &messages); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse job uuid %q: %w", id, err)
	}
	return &pdsjob.Job{
		UUID:          parsed,
		ServerID:      serverID,
		Owner:         owner,
		State:         pdsjob.State(state),
		Created:       fromNanos(created),
		Started:       fromNullNanos(started),
		Ended:         fromNullNanos(ended),
		Result:        pdsjob.Result(result),
		TrafficLight:  pdsjob.TrafficLight(light),
		Configuration: configuration,
		Messages:      messages,
	}, nil
}
