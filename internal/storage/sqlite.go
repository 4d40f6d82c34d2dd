package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding users, submissions, finalization
// claims, history, API keys, and the gateway request log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used
// by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "scanline.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB exposes the underlying connection for callers that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// --- Users ---

func (s *Store) CreateUser(u User) error {
	_, err := s.db.Exec(`
		INSERT INTO users (id, email, name, tier, documents_this_period, llm_analyses_this_period, period_anchor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.Tier, u.DocumentsThisPeriod, u.AnalysesThisPeriod,
		fmtTime(u.PeriodAnchor), fmtTime(u.CreatedAt),
	)
	return err
}

const userColumns = `id, email, name, tier, documents_this_period, llm_analyses_this_period, period_anchor, created_at`

func scanUser(row *sql.Row) (User, error) {
	var u User
	var anchor, createdAt string
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Tier, &u.DocumentsThisPeriod, &u.AnalysesThisPeriod, &anchor, &createdAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	if u.PeriodAnchor, err = parseTime(anchor); err != nil {
		return User{}, fmt.Errorf("parsing period_anchor: %w", err)
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return User{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(id string) (User, error) {
	return scanUser(s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (s *Store) GetUserByEmail(email string) (User, error) {
	return scanUser(s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE email = ?`, email))
}

func (s *Store) SetUserTier(id, tier string) error {
	res, err := s.db.Exec(`UPDATE users SET tier = ? WHERE id = ?`, tier, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// resetPeriodTx zeroes both quota counters and advances the anchor when
// the stored anchor is older than the current period start. The single
// conditional UPDATE makes reset-then-check atomic under concurrency.
func resetPeriodTx(tx *sql.Tx, userID string, periodStart time.Time) error {
	_, err := tx.Exec(`
		UPDATE users
		SET documents_this_period = 0, llm_analyses_this_period = 0, period_anchor = ?
		WHERE id = ? AND period_anchor < ?`,
		fmtTime(periodStart), userID, fmtTime(periodStart),
	)
	return err
}

// ResetAndGetUser applies the period reset rule for the given period start
// and returns the user's post-reset state in one transaction.
func (s *Store) ResetAndGetUser(userID string, periodStart time.Time) (User, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return User{}, fmt.Errorf("beginning quota transaction: %w", err)
	}
	defer tx.Rollback()

	if err := resetPeriodTx(tx, userID, periodStart); err != nil {
		return User{}, fmt.Errorf("applying period reset: %w", err)
	}

	var u User
	var anchor, createdAt string
	err = tx.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, userID).
		Scan(&u.ID, &u.Email, &u.Name, &u.Tier, &u.DocumentsThisPeriod, &u.AnalysesThisPeriod, &anchor, &createdAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	if u.PeriodAnchor, err = parseTime(anchor); err != nil {
		return User{}, fmt.Errorf("parsing period_anchor: %w", err)
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return User{}, fmt.Errorf("parsing created_at: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("committing quota transaction: %w", err)
	}
	return u, nil
}

// --- Submissions ---

func (s *Store) SaveSubmission(sub Submission) error {
	_, err := s.db.Exec(`
		INSERT INTO submissions (job_id, user_id, filename, category, size_bytes, page_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.JobID, sub.UserID, sub.Filename, sub.Category, sub.SizeBytes, sub.PageCount, fmtTime(sub.CreatedAt),
	)
	return err
}

func (s *Store) GetSubmission(jobID string) (Submission, error) {
	var sub Submission
	var createdAt string
	err := s.db.QueryRow(`
		SELECT job_id, user_id, filename, category, size_bytes, page_count, created_at
		FROM submissions WHERE job_id = ?`, jobID,
	).Scan(&sub.JobID, &sub.UserID, &sub.Filename, &sub.Category, &sub.SizeBytes, &sub.PageCount, &createdAt)
	if err == sql.ErrNoRows {
		return Submission{}, ErrNotFound
	}
	if err != nil {
		return Submission{}, err
	}
	if sub.CreatedAt, err = parseTime(createdAt); err != nil {
		return Submission{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return sub, nil
}

// --- Finalization claims ---

// ClaimState reports how a claim attempt resolved.
type ClaimState int

const (
	// ClaimWon means this caller created the claim and must run the
	// finalization steps.
	ClaimWon ClaimState = iota
	// ClaimCompleted means finalization already succeeded; the stored
	// outcome is returned unchanged.
	ClaimCompleted
	// ClaimPending means another claim exists but has not completed.
	ClaimPending
)

// ClaimFinalization atomically creates the finalization record for jobID.
// Winning the claim also applies the quota period reset and increments the
// user's document counter in the same transaction, so a job is counted
// exactly once no matter how many callers race.
func (s *Store) ClaimFinalization(jobID, userID string, periodStart, now time.Time) (ClaimState, Finalization, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, Finalization{}, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO finalization_records (job_id, user_id, status, claimed_at)
		VALUES (?, ?, 'pending', ?)
		ON CONFLICT(job_id) DO NOTHING`,
		jobID, userID, fmtTime(now),
	)
	if err != nil {
		return 0, Finalization{}, fmt.Errorf("inserting claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, Finalization{}, fmt.Errorf("checking claim rows: %w", err)
	}

	if n == 1 {
		if err := resetPeriodTx(tx, userID, periodStart); err != nil {
			return 0, Finalization{}, fmt.Errorf("applying period reset: %w", err)
		}
		if _, err := tx.Exec(`UPDATE users SET documents_this_period = documents_this_period + 1 WHERE id = ?`, userID); err != nil {
			return 0, Finalization{}, fmt.Errorf("incrementing document counter: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, Finalization{}, fmt.Errorf("committing claim: %w", err)
		}
		return ClaimWon, Finalization{JobID: jobID, UserID: userID, Status: FinalizationPending, ClaimedAt: now.UTC()}, nil
	}

	rec, err := scanFinalizationTx(tx, jobID)
	if err != nil {
		return 0, Finalization{}, err
	}
	if err := tx.Commit(); err != nil {
		return 0, Finalization{}, fmt.Errorf("committing claim read: %w", err)
	}
	if rec.Status == FinalizationSucceeded {
		return ClaimCompleted, rec, nil
	}
	return ClaimPending, rec, nil
}

const finalizationColumns = `job_id, user_id, status, claimed_at, llm_counted, text_key, analysis_key, analysis_skipped, history_id, completed_at`

func scanFinalizationRow(scan func(dest ...any) error) (Finalization, error) {
	var rec Finalization
	var claimedAt, completedAt string
	var counted int
	err := scan(&rec.JobID, &rec.UserID, &rec.Status, &claimedAt, &counted,
		&rec.TextKey, &rec.AnalysisKey, &rec.AnalysisSkipped, &rec.HistoryID, &completedAt)
	if err == sql.ErrNoRows {
		return Finalization{}, ErrNotFound
	}
	if err != nil {
		return Finalization{}, err
	}
	rec.LLMCounted = counted != 0
	if rec.ClaimedAt, err = parseTime(claimedAt); err != nil {
		return Finalization{}, fmt.Errorf("parsing claimed_at: %w", err)
	}
	if rec.CompletedAt, err = parseTime(completedAt); err != nil {
		return Finalization{}, fmt.Errorf("parsing completed_at: %w", err)
	}
	return rec, nil
}

func scanFinalizationTx(tx *sql.Tx, jobID string) (Finalization, error) {
	row := tx.QueryRow(`SELECT `+finalizationColumns+` FROM finalization_records WHERE job_id = ?`, jobID)
	return scanFinalizationRow(row.Scan)
}

func (s *Store) GetFinalization(jobID string) (Finalization, error) {
	row := s.db.QueryRow(`SELECT `+finalizationColumns+` FROM finalization_records WHERE job_id = ?`, jobID)
	return scanFinalizationRow(row.Scan)
}

// AdoptClaim takes over a pending claim whose previous owner has gone
// quiet for at least grace. Returns true when the caller now owns the
// claim and should resume the remaining finalization steps.
func (s *Store) AdoptClaim(jobID string, now time.Time, grace time.Duration) (bool, error) {
	cutoff := now.Add(-grace)
	res, err := s.db.Exec(`
		UPDATE finalization_records SET claimed_at = ?
		WHERE job_id = ? AND status = 'pending' AND claimed_at <= ?`,
		fmtTime(now), jobID, fmtTime(cutoff),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ConsumeAnalysisOnce increments the user's analysis counter at most once
// per job. The guard flag flips in the same transaction as the increment,
// so a retried finalization never double-counts.
func (s *Store) ConsumeAnalysisOnce(jobID, userID string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning analysis-count transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE finalization_records SET llm_counted = 1 WHERE job_id = ? AND llm_counted = 0`, jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, tx.Commit()
	}

	if _, err := tx.Exec(`UPDATE users SET llm_analyses_this_period = llm_analyses_this_period + 1 WHERE id = ?`, userID); err != nil {
		return false, fmt.Errorf("incrementing analysis counter: %w", err)
	}
	return true, tx.Commit()
}

// CompleteFinalization records the outcome on the claim. The record is the
// durable answer returned to every later finalize call for the job.
func (s *Store) CompleteFinalization(jobID, textKey, analysisKey, analysisSkipped, historyID string, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE finalization_records
		SET status = 'succeeded', text_key = ?, analysis_key = ?, analysis_skipped = ?, history_id = ?, completed_at = ?
		WHERE job_id = ?`,
		textKey, analysisKey, analysisSkipped, historyID, fmtTime(now), jobID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- History ---

// InsertHistory inserts the record unless one already exists for the same
// OCR job, and returns the stored row either way.
func (s *Store) InsertHistory(rec HistoryRecord) (HistoryRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return HistoryRecord{}, fmt.Errorf("beginning history transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO history_records (id, job_id, user_id, filename, category, uploaded_at, text_key, analysis_key, size_bytes, page_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING`,
		rec.ID, rec.JobID, rec.UserID, rec.Filename, rec.Category, fmtTime(rec.UploadedAt),
		rec.TextKey, rec.AnalysisKey, rec.SizeBytes, rec.PageCount, fmtTime(rec.CreatedAt),
	); err != nil {
		return HistoryRecord{}, fmt.Errorf("inserting history record: %w", err)
	}

	row := tx.QueryRow(`SELECT `+historyColumns+` FROM history_records WHERE job_id = ?`, rec.JobID)
	stored, err := scanHistory(row.Scan)
	if err != nil {
		return HistoryRecord{}, err
	}
	return stored, tx.Commit()
}

const historyColumns = `id, job_id, user_id, filename, category, uploaded_at, text_key, analysis_key, size_bytes, page_count, created_at`

func scanHistory(scan func(dest ...any) error) (HistoryRecord, error) {
	var rec HistoryRecord
	var uploadedAt, createdAt string
	err := scan(&rec.ID, &rec.JobID, &rec.UserID, &rec.Filename, &rec.Category, &uploadedAt,
		&rec.TextKey, &rec.AnalysisKey, &rec.SizeBytes, &rec.PageCount, &createdAt)
	if err == sql.ErrNoRows {
		return HistoryRecord{}, ErrNotFound
	}
	if err != nil {
		return HistoryRecord{}, err
	}
	if rec.UploadedAt, err = parseTime(uploadedAt); err != nil {
		return HistoryRecord{}, fmt.Errorf("parsing uploaded_at: %w", err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return HistoryRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return rec, nil
}

// ListHistory returns the user's records, most recent first.
func (s *Store) ListHistory(userID string, limit int) ([]HistoryRecord, error) {
	rows, err := s.db.Query(`
		SELECT `+historyColumns+` FROM history_records
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []HistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// GetHistory looks up a single record scoped to its owner. A record owned
// by another user is reported as ErrNotFound, never as a permission error.
func (s *Store) GetHistory(userID, id string) (HistoryRecord, error) {
	row := s.db.QueryRow(`SELECT `+historyColumns+` FROM history_records WHERE id = ? AND user_id = ?`, id, userID)
	return scanHistory(row.Scan)
}

// PruneHistoryBefore deletes records created before cutoff and returns the
// number removed. Used by the retention sweep.
func (s *Store) PruneHistoryBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM history_records WHERE created_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- API keys ---

func (s *Store) CreateAPIKey(k APIKey) error {
	_, err := s.db.Exec(`
		INSERT INTO api_keys (id, user_id, secret, created_at, revoked_at)
		VALUES (?, ?, ?, ?, NULL)`,
		k.ID, k.UserID, k.Secret, fmtTime(k.CreatedAt),
	)
	return err
}

// GetAPIKeyBySecret resolves an active (non-revoked) key by its secret value.
func (s *Store) GetAPIKeyBySecret(secret string) (APIKey, error) {
	var k APIKey
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, user_id, secret, created_at FROM api_keys
		WHERE secret = ? AND revoked_at IS NULL`, secret,
	).Scan(&k.ID, &k.UserID, &k.Secret, &createdAt)
	if err == sql.ErrNoRows {
		return APIKey{}, ErrNotFound
	}
	if err != nil {
		return APIKey{}, err
	}
	if k.CreatedAt, err = parseTime(createdAt); err != nil {
		return APIKey{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return k, nil
}

// RevokeAPIKey invalidates the key for all future requests.
func (s *Store) RevokeAPIKey(id string, now time.Time) error {
	res, err := s.db.Exec(`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, fmtTime(now), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListAPIKeys(userID string) ([]APIKey, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, secret, created_at, revoked_at FROM api_keys
		WHERE user_id = ? ORDER BY created_at ASC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []APIKey
	for rows.Next() {
		var k APIKey
		var createdAt string
		var revokedAt sql.NullString
		if err := rows.Scan(&k.ID, &k.UserID, &k.Secret, &createdAt, &revokedAt); err != nil {
			return nil, err
		}
		if k.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if revokedAt.Valid {
			if k.RevokedAt, err = parseTime(revokedAt.String); err != nil {
				return nil, fmt.Errorf("parsing revoked_at: %w", err)
			}
		}
		results = append(results, k)
	}
	return results, rows.Err()
}

// --- Gateway request log ---

// AdmitGatewayRequest counts the key's requests in the trailing window and
// admits this one only while the count is below limit. Counting, pruning,
// and recording happen in one transaction so concurrent requests for the
// same key cannot both slip under the ceiling.
func (s *Store) AdmitGatewayRequest(apiKeyID string, now time.Time, window time.Duration, limit int) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning rate-limit transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := fmtTime(now.Add(-window))
	if _, err := tx.Exec(`DELETE FROM gateway_requests WHERE api_key_id = ? AND requested_at <= ?`, apiKeyID, cutoff); err != nil {
		return false, fmt.Errorf("pruning request log: %w", err)
	}

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM gateway_requests WHERE api_key_id = ?`, apiKeyID).Scan(&count); err != nil {
		return false, fmt.Errorf("counting requests: %w", err)
	}
	if count >= limit {
		return false, tx.Commit()
	}

	if _, err := tx.Exec(`INSERT INTO gateway_requests (api_key_id, requested_at) VALUES (?, ?)`, apiKeyID, fmtTime(now)); err != nil {
		return false, fmt.Errorf("recording request: %w", err)
	}
	return true, tx.Commit()
}
