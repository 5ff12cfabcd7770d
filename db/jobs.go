package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/barineco/illo-sub000/domain"
	"github.com/google/uuid"
)

const (
	jobColumns = `id, kind, payload, attempts, run_at, status, last_error, created_at`

	sqlInsertJob     = `INSERT INTO jobs (` + jobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectJobById = `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	sqlSelectDueJobs = `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'pending' AND run_at <= ? ORDER BY run_at, id LIMIT ?`
	sqlClaimJob      = `UPDATE jobs SET status = 'running' WHERE id = ? AND status = 'pending'`
	sqlCompleteJob   = `UPDATE jobs SET status = 'done', attempts = ? WHERE id = ?`
	sqlRescheduleJob = `UPDATE jobs SET status = 'pending', attempts = ?, run_at = ?, last_error = ? WHERE id = ?`
	sqlDeadLetterJob = `UPDATE jobs SET status = 'dead', attempts = ?, last_error = ? WHERE id = ?`
	sqlResetRunning  = `UPDATE jobs SET status = 'pending' WHERE status = 'running'`
	sqlCountJobs     = `SELECT COUNT(*) FROM jobs WHERE kind = ? AND status = ?`
)

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j      domain.Job
		status string
	)
	if err := row.Scan(&j.Id, &j.Kind, &j.Payload, &j.Attempts, &j.RunAt, &status, &j.LastError, &j.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	j.Status = domain.JobStatus(status)
	return &j, nil
}

func (db *DB) CreateJob(ctx context.Context, j *domain.Job) error {
	if j.Id == uuid.Nil {
		j.Id = uuid.New()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now()
	}
	if j.RunAt.IsZero() {
		j.RunAt = j.CreatedAt
	}
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	_, err := db.exec(ctx, sqlInsertJob,
		j.Id, j.Kind, j.Payload, j.Attempts, j.RunAt.UTC(), string(j.Status), j.LastError, j.CreatedAt.UTC())
	return err
}

func (db *DB) ReadJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return scanJob(db.queryRow(ctx, sqlSelectJobById, id))
}

// ClaimDueJobs moves up to limit due jobs from pending to running and returns them.
func (db *DB) ClaimDueJobs(ctx context.Context, at time.Time, limit int) ([]domain.Job, error) {
	var claimed []domain.Job
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		claimed = claimed[:0]
		rows, err := tx.QueryContext(ctx, db.rebind(sqlSelectDueJobs), at.UTC(), limit)
		if err != nil {
			return err
		}
		var due []domain.Job
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			due = append(due, *j)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}

		for _, j := range due {
			res, err := db.txExec(ctx, tx, sqlClaimJob, j.Id)
			if err != nil {
				return err
			}
			if affected(res) {
				j.Status = domain.JobRunning
				claimed = append(claimed, j)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (db *DB) CompleteJob(ctx context.Context, id uuid.UUID, attempts int) error {
	_, err := db.exec(ctx, sqlCompleteJob, attempts, id)
	return err
}

func (db *DB) RescheduleJob(ctx context.Context, id uuid.UUID, attempts int, runAt time.Time, lastErr string) error {
	_, err := db.exec(ctx, sqlRescheduleJob, attempts, runAt.UTC(), lastErr, id)
	return err
}

func (db *DB) DeadLetterJob(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error {
	_, err := db.exec(ctx, sqlDeadLetterJob, attempts, lastErr, id)
	return err
}

// ResetRunningJobs returns jobs orphaned by a crash to the pending state.
func (db *DB) ResetRunningJobs(ctx context.Context) (int64, error) {
	res, err := db.exec(ctx, sqlResetRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) CountJobs(ctx context.Context, kind string, status domain.JobStatus) (int, error) {
	var n int
	err := db.queryRow(ctx, sqlCountJobs, kind, string(status)).Scan(&n)
	return n, err
}
