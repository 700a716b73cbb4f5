package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// PGRepository - ...
type PGRepository struct {
	pool *pgxpool.Pool
}

// InitPGRepository - ...
func InitPGRepository(ctx context.Context, cfg Config) (Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	return &PGRepository{
		pool: pool,
	}, nil
}

// FindAssignment - ...
func (repo *PGRepository) FindAssignment(ctx context.Context, id string) (*Assignment, error) {
	var a Assignment
	query := `select id::text, name, programming_language from practice where id::text = $1`
	err := repo.pool.QueryRow(ctx, query, id).Scan(&a.ID, &a.Name, &a.Language)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("assignment %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &a, nil
}

// FindSubmission - ...
func (repo *PGRepository) FindSubmission(ctx context.Context, key Key) (*SubmissionLink, error) {
	var link SubmissionLink
	var status string
	query := `
	select user_niub, practice_id::text, status::text, submission_date,
		submission_file_name, correction, status_updated_at
	from practicesuserslink
	where user_niub = $1 and practice_id::text = $2
	`
	err := repo.pool.QueryRow(ctx, query, key.StudentID, key.AssignmentID).Scan(
		&link.StudentID,
		&link.AssignmentID,
		&status,
		&link.SubmissionDate,
		&link.SubmissionFileName,
		&link.Correction,
		&link.StatusUpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("submission %s/%s: %w", key.StudentID, key.AssignmentID, ErrNotFound)
		}
		return nil, err
	}
	link.Status = Status(status)
	return &link, nil
}

func checkTransition(tag pgconn.CommandTag, key Key, to Status) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("submission %s/%s -> %s: %w", key.StudentID, key.AssignmentID, to, ErrInvalidTransition)
	}
	return nil
}

// MarkCorrecting - ...
func (repo *PGRepository) MarkCorrecting(ctx context.Context, key Key) error {
	query := `
	update practicesuserslink
	set
	  status = 'CORRECTING',
	  status_updated_at = now()
	where user_niub = $1 and practice_id::text = $2 and status::text = any($3);
	`
	tag, err := repo.pool.Exec(ctx, query, key.StudentID, key.AssignmentID, sources(CORRECTING))
	if err != nil {
		return err
	}
	return checkTransition(tag, key, CORRECTING)
}

// MarkCorrected - ...
func (repo *PGRepository) MarkCorrected(ctx context.Context, key Key, correction []byte) error {
	query := `
	update practicesuserslink
	set
	  status = 'CORRECTED',
	  correction = $3::jsonb,
	  status_updated_at = now()
	where user_niub = $1 and practice_id::text = $2 and status::text = any($4);
	`
	tag, err := repo.pool.Exec(ctx, query, key.StudentID, key.AssignmentID, string(correction), sources(CORRECTED))
	if err != nil {
		return err
	}
	return checkTransition(tag, key, CORRECTED)
}

// MarkRejected - ...
func (repo *PGRepository) MarkRejected(ctx context.Context, key Key) error {
	query := `
	update practicesuserslink
	set
	  status = 'REJECTED',
	  status_updated_at = now()
	where user_niub = $1 and practice_id::text = $2 and status::text = any($3);
	`
	tag, err := repo.pool.Exec(ctx, query, key.StudentID, key.AssignmentID, sources(REJECTED))
	if err != nil {
		return err
	}
	return checkTransition(tag, key, REJECTED)
}

// RejectStale rejects links stuck in CORRECTING for longer than timeout.
func (repo *PGRepository) RejectStale(ctx context.Context, timeout time.Duration, batchSize int) (int, error) {
	query := `
	with stale as (
		select user_niub, practice_id
		from practicesuserslink
		where status = 'CORRECTING'
			and status_updated_at < now() - concat($1::int, ' seconds')::INTERVAL
		limit $2 for update skip locked
	) update practicesuserslink
	set
	  status = 'REJECTED',
	  status_updated_at = now()
	from stale
	where practicesuserslink.user_niub = stale.user_niub
		and practicesuserslink.practice_id = stale.practice_id;
	`
	cmdTag, err := repo.pool.Exec(ctx, query, int(timeout.Seconds()), batchSize)
	if err != nil {
		return 0, err
	}
	return int(cmdTag.RowsAffected()), nil
}

// Close releases the pool.
func (repo *PGRepository) Close() {
	repo.pool.Close()
}
