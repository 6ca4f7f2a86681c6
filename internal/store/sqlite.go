package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "dispatchd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const jobColumns = `id, channel, selector, subject, body, interval_seconds,
	total_candidates, valid_candidates, sent_count, failed_count,
	status, current_recipient, lease_owner, lease_expires_at,
	created_at, completed_at`

func (s *sqliteStore) CreateJob(ctx context.Context, job *Job, snapshot []JobRecipient) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs(`+jobColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.ID, string(job.Channel), job.Selector, job.Subject, job.Body, job.IntervalSeconds,
		job.TotalCandidates, job.ValidCandidates, job.SentCount, job.FailedCount,
		string(job.Status), job.CurrentRecipient, job.LeaseOwner, leaseMillis(job.LeaseExpiresAt),
		job.CreatedAt.Format(time.RFC3339Nano), nullTime(job.CompletedAt),
	)
	if err != nil {
		return err
	}

	for _, r := range snapshot {
		vars, err := marshalVars(r.Vars)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_recipients(job_id, position, recipient_id, label, email, chat_id, vars, state, delivery_ref)
			 VALUES(?,?,?,?,?,?,?,?,?)`,
			job.ID, r.Position, r.RecipientID, r.Label, r.Email, r.ChatID, vars, string(RecipientPending), "",
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *sqliteStore) Job(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *sqliteStore) Jobs(ctx context.Context) ([]*Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at`)
}

func (s *sqliteStore) JobsByStatus(ctx context.Context, status Status) ([]*Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at`, string(status))
}

func (s *sqliteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j         Job
		channel   string
		status    string
		leaseMS   int64
		createdAt string
		doneAt    sql.NullString
	)
	err := row.Scan(
		&j.ID, &channel, &j.Selector, &j.Subject, &j.Body, &j.IntervalSeconds,
		&j.TotalCandidates, &j.ValidCandidates, &j.SentCount, &j.FailedCount,
		&status, &j.CurrentRecipient, &j.LeaseOwner, &leaseMS,
		&createdAt, &doneAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Channel = Channel(channel)
	j.Status = Status(status)
	if leaseMS > 0 {
		j.LeaseExpiresAt = time.UnixMilli(leaseMS)
	}
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if doneAt.Valid && doneAt.String != "" {
		j.CompletedAt, _ = time.Parse(time.RFC3339Nano, doneAt.String)
	}
	return &j, nil
}

func (s *sqliteStore) CompareAndSetStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	var res sql.Result
	var err error
	if to == StatusCompleted {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
			string(to), time.Now().Format(time.RFC3339Nano), id, string(from))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ? WHERE id = ? AND status = ?`,
			string(to), id, string(from))
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) SetCurrentRecipient(ctx context.Context, id, label string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET current_recipient = ? WHERE id = ?`, label, id)
	return err
}

func (s *sqliteStore) PendingRecipients(ctx context.Context, jobID string) ([]JobRecipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, position, recipient_id, label, email, chat_id, vars, state, delivery_ref
		 FROM job_recipients
		 WHERE job_id = ? AND state = ?
		 ORDER BY position`, jobID, string(RecipientPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecipient
	for rows.Next() {
		var r JobRecipient
		var vars sql.NullString
		var state string
		if err := rows.Scan(&r.JobID, &r.Position, &r.RecipientID, &r.Label, &r.Email, &r.ChatID, &vars, &state, &r.DeliveryRef); err != nil {
			return nil, err
		}
		r.State = RecipientState(state)
		if vars.Valid && vars.String != "" {
			if err := json.Unmarshal([]byte(vars.String), &r.Vars); err != nil {
				return nil, err
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkRecipientSent(ctx context.Context, jobID string, position int, deliveryRef string) error {
	return s.markRecipient(ctx, jobID, position, RecipientSent, deliveryRef, nil)
}

func (s *sqliteStore) MarkRecipientFailed(ctx context.Context, jobID string, position int, entry ErrorEntry) error {
	return s.markRecipient(ctx, jobID, position, RecipientFailed, "", &entry)
}

// markRecipient flips one snapshot row and bumps the matching counter.
// The counter bump is guarded on non-terminal status so a cancelled or
// completed job can never move again.
func (s *sqliteStore) markRecipient(ctx context.Context, jobID string, position int, state RecipientState, deliveryRef string, entry *ErrorEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if Status(status).Terminal() {
		return ErrTerminal
	}

	counter := "sent_count"
	if state == RecipientFailed {
		counter = "failed_count"
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET `+counter+` = `+counter+` + 1 WHERE id = ?`, jobID); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE job_recipients SET state = ?, delivery_ref = ?
		 WHERE job_id = ? AND position = ? AND state = ?`,
		string(state), deliveryRef, jobID, position, string(RecipientPending))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyProcessed
	}

	if entry != nil {
		if entry.At.IsZero() {
			entry.At = time.Now()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_errors(job_id, recipient_id, label, reason, at) VALUES(?,?,?,?,?)`,
			jobID, entry.RecipientID, entry.Label, entry.Reason, entry.At.Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *sqliteStore) ErrorLog(ctx context.Context, jobID string) ([]ErrorEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, recipient_id, label, reason, at FROM job_errors WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ErrorEntry
	for rows.Next() {
		var e ErrorEntry
		var at string
		if err := rows.Scan(&e.JobID, &e.RecipientID, &e.Label, &e.Reason, &at); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET lease_owner = ?, lease_expires_at = ?
		 WHERE id = ? AND (lease_owner = '' OR lease_owner = ? OR lease_expires_at <= ?)`,
		owner, now.Add(ttl).UnixMilli(), jobID, owner, now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish "held elsewhere" from "no such job".
		if _, err := s.Job(ctx, jobID); err != nil {
			return false, err
		}
	}
	return n > 0, nil
}

func (s *sqliteStore) RenewLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET lease_expires_at = ? WHERE id = ? AND lease_owner = ?`,
		time.Now().Add(ttl).UnixMilli(), jobID, owner)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ReleaseLease(ctx context.Context, jobID, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET lease_owner = '', lease_expires_at = 0 WHERE id = ? AND lease_owner = ?`,
		jobID, owner)
	return err
}

func (s *sqliteStore) DeleteJobsFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	cut := cutoff.Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs
		 WHERE status IN (?, ?)
		   AND COALESCE(NULLIF(completed_at, ''), created_at) < ?`,
		string(StatusCancelled), string(StatusCompleted), cut)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) ReplaceSegment(ctx context.Context, segment string, members []Recipient) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM segment_members WHERE segment = ?`, segment); err != nil {
		return err
	}
	for i, m := range members {
		vars, err := marshalVars(m.Vars)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO segment_members(segment, position, recipient_id, label, email, chat_id, vars)
			 VALUES(?,?,?,?,?,?,?)`,
			segment, i, m.ID, m.Label, m.Email, m.ChatID, vars)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) SegmentMembers(ctx context.Context, segment string) ([]Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient_id, label, email, chat_id, vars
		 FROM segment_members
		 WHERE segment = ?
		 ORDER BY position, recipient_id`, segment)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var r Recipient
		var vars sql.NullString
		if err := rows.Scan(&r.ID, &r.Label, &r.Email, &r.ChatID, &vars); err != nil {
			return nil, err
		}
		if vars.Valid && vars.String != "" {
			if err := json.Unmarshal([]byte(vars.String), &r.Vars); err != nil {
				return nil, err
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SegmentExists(ctx context.Context, segment string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM segment_members WHERE segment = ? LIMIT 1`, segment).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func marshalVars(vars map[string]string) (any, error) {
	if len(vars) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func leaseMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
