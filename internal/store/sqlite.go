package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/backofhouse/opsloop/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// development and single-venue deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle for metric providers in SQLite mode.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS signals (
	id              TEXT PRIMARY KEY,
	org_id          TEXT NOT NULL,
	venue_id        TEXT,
	business_date   TEXT NOT NULL,
	domain          TEXT NOT NULL,
	signal_type     TEXT NOT NULL,
	source          TEXT NOT NULL DEFAULT 'rule',
	severity        TEXT NOT NULL DEFAULT 'info',
	confidence      REAL,
	impact_value    REAL NOT NULL DEFAULT 0,
	impact_unit     TEXT,
	entity_type     TEXT,
	entity_id       TEXT,
	payload         TEXT,
	dedupe_key      TEXT NOT NULL UNIQUE,
	detected_run_id TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_signals_org_date ON signals(org_id, business_date);
CREATE INDEX IF NOT EXISTS idx_signals_venue_date ON signals(venue_id, business_date);
CREATE INDEX IF NOT EXISTS idx_signals_type ON signals(signal_type);

CREATE TABLE IF NOT EXISTS feedback_objects (
	id                      TEXT PRIMARY KEY,
	org_id                  TEXT NOT NULL,
	venue_id                TEXT,
	business_date           TEXT NOT NULL,
	domain                  TEXT NOT NULL,
	title                   TEXT NOT NULL,
	message                 TEXT NOT NULL,
	required_action         TEXT NOT NULL DEFAULT 'acknowledge',
	severity                TEXT NOT NULL DEFAULT 'warning',
	confidence              REAL,
	owner_role              TEXT NOT NULL DEFAULT 'venue_manager',
	assigned_to             TEXT,
	due_at                  DATETIME,
	verification_spec       TEXT,
	status                  TEXT NOT NULL DEFAULT 'open',
	resolved_at             DATETIME,
	resolved_by             TEXT,
	resolution_summary      TEXT,
	verified_at             DATETIME,
	verification_result     TEXT,
	verification_data       TEXT,
	verification_claimed_at DATETIME,
	verification_attempts   INTEGER NOT NULL DEFAULT 0,
	quarantined_at          DATETIME,
	source_run_id           TEXT,
	created_at              DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at              DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_feedback_status ON feedback_objects(status);
CREATE INDEX IF NOT EXISTS idx_feedback_org_date ON feedback_objects(org_id, business_date);

CREATE TABLE IF NOT EXISTS feedback_object_signals (
	feedback_object_id TEXT NOT NULL REFERENCES feedback_objects(id),
	signal_id          TEXT NOT NULL REFERENCES signals(id),
	signal_role        TEXT NOT NULL DEFAULT 'primary',
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (feedback_object_id, signal_id)
);

CREATE TABLE IF NOT EXISTS feedback_outcomes (
	id                 TEXT PRIMARY KEY,
	feedback_object_id TEXT NOT NULL REFERENCES feedback_objects(id),
	result             TEXT NOT NULL,
	spec               TEXT NOT NULL,
	data               TEXT NOT NULL,
	successor_id       TEXT,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_outcomes_feedback ON feedback_outcomes(feedback_object_id);

CREATE TABLE IF NOT EXISTS venue_day_facts (
	org_id        TEXT NOT NULL,
	venue_id      TEXT NOT NULL,
	business_date TEXT NOT NULL,
	net_sales     REAL NOT NULL DEFAULT 0,
	comp_total    REAL NOT NULL DEFAULT 0,
	comp_pct      REAL NOT NULL DEFAULT 0,
	covers        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (org_id, venue_id, business_date)
);

CREATE TABLE IF NOT EXISTS labor_day_facts (
	org_id        TEXT NOT NULL,
	venue_id      TEXT NOT NULL,
	business_date TEXT NOT NULL,
	labor_hours   REAL NOT NULL DEFAULT 0,
	labor_cost    REAL NOT NULL DEFAULT 0,
	labor_pct     REAL NOT NULL DEFAULT 0,
	cplh          REAL NOT NULL DEFAULT 0,
	splh          REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (org_id, venue_id, business_date)
);

CREATE TABLE IF NOT EXISTS invoice_variances (
	id            TEXT PRIMARY KEY,
	org_id        TEXT NOT NULL,
	venue_id      TEXT NOT NULL,
	business_date TEXT NOT NULL,
	vendor        TEXT,
	item          TEXT,
	variance_pct  REAL NOT NULL DEFAULT 0,
	is_spike      INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_invoice_variances_venue_date ON invoice_variances(venue_id, business_date);

CREATE TABLE IF NOT EXISTS inventory_balances (
	org_id        TEXT NOT NULL,
	venue_id      TEXT NOT NULL,
	business_date TEXT NOT NULL,
	item          TEXT NOT NULL,
	shrink_cost   REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (org_id, venue_id, business_date, item)
);

CREATE TABLE IF NOT EXISTS items_below_reorder (
	org_id        TEXT NOT NULL,
	venue_id      TEXT NOT NULL,
	item          TEXT NOT NULL,
	on_hand       REAL NOT NULL DEFAULT 0,
	reorder_point REAL NOT NULL DEFAULT 0,
	as_of         DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (org_id, venue_id, item)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) WriteSignal(ctx context.Context, in model.SignalInput) (*model.Signal, error) {
	sig, err := prepareSignal(in)
	if err != nil {
		return nil, err
	}
	return s.insertSignal(ctx, sig)
}

func (s *SQLiteStore) insertSignal(ctx context.Context, sig *model.Signal) (*model.Signal, error) {
	var payloadJSON any
	if len(sig.Payload) > 0 {
		raw, err := json.Marshal(sig.Payload)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal payload")
		}
		payloadJSON = string(raw)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO signals (`+signalColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.OrgID, nullable(sig.VenueID), sig.BusinessDate, string(sig.Domain),
		sig.SignalType, string(sig.Source), string(sig.Severity), sig.Confidence,
		sig.ImpactValue, nullable(sig.ImpactUnit), nullable(sig.EntityType), nullable(sig.EntityID),
		payloadJSON, sig.DedupeKey, nullable(sig.DetectedRunID), sig.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert signal")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		zap.L().Info("store: duplicate signal ignored",
			zap.String("dedupe_key", sig.DedupeKey),
		)
		return nil, nil
	}
	return sig, nil
}

func (s *SQLiteStore) WriteSignals(ctx context.Context, ins []model.SignalInput) ([]model.Signal, error) {
	if len(ins) == 0 {
		return nil, nil
	}

	prepared := make([]*model.Signal, 0, len(ins))
	for _, in := range ins {
		sig, err := prepareSignal(in)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, sig)
	}

	var created []model.Signal
	for _, sig := range prepared {
		out, err := s.insertSignal(ctx, sig)
		if err != nil {
			return created, err
		}
		if out != nil {
			created = append(created, *out)
		}
	}
	return created, nil
}

func (s *SQLiteStore) ListSignals(ctx context.Context, filter SignalFilter) ([]model.Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals WHERE 1=1`
	var args []any

	addEq := func(col string, val string) {
		if val != "" {
			query += ` AND ` + col + ` = ?`
			args = append(args, val)
		}
	}
	addEq("org_id", filter.OrgID)
	addEq("venue_id", filter.VenueID)
	addEq("business_date", filter.BusinessDate)
	addEq("domain", string(filter.Domain))
	addEq("signal_type", filter.SignalType)
	addEq("severity", string(filter.Severity))
	if filter.DateFrom != "" {
		query += ` AND business_date >= ?`
		args = append(args, filter.DateFrom)
	}
	if filter.DateTo != "" {
		query += ` AND business_date <= ?`
		args = append(args, filter.DateTo)
	}

	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list signals")
	}
	defer rows.Close()

	var signals []model.Signal
	for rows.Next() {
		sig, err := sqliteScanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, *sig)
	}
	return signals, eris.Wrap(rows.Err(), "sqlite: list signals iterate")
}

func (s *SQLiteStore) CreateFeedbackObject(ctx context.Context, fo model.FeedbackObject) (*model.FeedbackObject, error) {
	if fo.ID == "" {
		fo.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if fo.CreatedAt.IsZero() {
		fo.CreatedAt = now
	}
	fo.UpdatedAt = now

	var specJSON any
	if fo.VerificationSpec != nil {
		raw, err := json.Marshal(fo.VerificationSpec)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal verification spec")
		}
		specJSON = string(raw)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback_objects
		 (id, org_id, venue_id, business_date, domain, title, message, required_action, severity, confidence,
		  owner_role, assigned_to, due_at, verification_spec, status, source_run_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fo.ID, fo.OrgID, nullable(fo.VenueID), fo.BusinessDate, string(fo.Domain),
		fo.Title, fo.Message, string(fo.RequiredAction), string(fo.Severity), fo.Confidence,
		string(fo.OwnerRole), nullable(fo.AssignedTo), fo.DueAt, specJSON, string(fo.Status),
		nullable(fo.SourceRunID), fo.CreatedAt, fo.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert feedback object")
	}
	return &fo, nil
}

func (s *SQLiteStore) LinkSignals(ctx context.Context, feedbackID string, signalIDs []string, role string) error {
	now := time.Now().UTC()
	for _, sigID := range signalIDs {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO feedback_object_signals (feedback_object_id, signal_id, signal_role, created_at)
			 VALUES (?, ?, ?, ?)`,
			feedbackID, sigID, role, now,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: link signal %s to %s", sigID, feedbackID)
		}
	}
	return nil
}

func (s *SQLiteStore) GetFeedbackObject(ctx context.Context, id string) (*model.FeedbackObject, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+feedbackColumns+` FROM feedback_objects WHERE id = ?`, id)
	fo, err := sqliteScanFeedback(row)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "feedback object %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get feedback object %s", id)
	}
	return fo, nil
}

func (s *SQLiteStore) ListFeedbackObjects(ctx context.Context, filter FeedbackFilter) ([]model.FeedbackObject, error) {
	query := `SELECT ` + feedbackColumns + ` FROM feedback_objects WHERE 1=1`
	var args []any

	addEq := func(col string, val string) {
		if val != "" {
			query += ` AND ` + col + ` = ?`
			args = append(args, val)
		}
	}
	addEq("org_id", filter.OrgID)
	addEq("venue_id", filter.VenueID)
	addEq("business_date", filter.BusinessDate)
	addEq("domain", string(filter.Domain))
	addEq("status", string(filter.Status))
	addEq("owner_role", string(filter.OwnerRole))

	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list feedback objects")
	}
	defer rows.Close()

	var objects []model.FeedbackObject
	for rows.Next() {
		fo, err := sqliteScanFeedback(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan feedback object")
		}
		objects = append(objects, *fo)
	}
	return objects, eris.Wrap(rows.Err(), "sqlite: list feedback objects iterate")
}

func (s *SQLiteStore) ListLinkedSignalIDs(ctx context.Context, feedbackID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT signal_id FROM feedback_object_signals WHERE feedback_object_id = ? ORDER BY created_at`,
		feedbackID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list linked signals for %s", feedbackID)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan signal link")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: list linked signals iterate")
}

func (s *SQLiteStore) UpdateFeedbackStatus(ctx context.Context, id string, from, to model.Status, upd StatusUpdate) error {
	now := time.Now().UTC()

	var res sql.Result
	var err error
	if to == model.StatusResolved {
		res, err = s.db.ExecContext(ctx,
			`UPDATE feedback_objects
			 SET status = ?, resolved_at = ?, resolved_by = ?, resolution_summary = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			string(to), now, nullable(upd.Actor), nullable(upd.ResolutionSummary), now, id, string(from),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE feedback_objects SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(to), now, id, string(from),
		)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: update feedback status %s", id)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		var exists bool
		if scanErr := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM feedback_objects WHERE id = ?)`, id,
		).Scan(&exists); scanErr == nil && !exists {
			return eris.Wrapf(ErrNotFound, "feedback object %s", id)
		}
		return eris.Wrapf(ErrStatusConflict, "feedback object %s no longer %s", id, from)
	}
	return nil
}

func (s *SQLiteStore) ListPendingVerification(ctx context.Context) ([]model.FeedbackObject, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+feedbackColumns+` FROM feedback_objects
		 WHERE status = 'resolved' AND verification_spec IS NOT NULL
		   AND verified_at IS NULL AND quarantined_at IS NULL
		 ORDER BY resolved_at ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending verification")
	}
	defer rows.Close()

	var objects []model.FeedbackObject
	for rows.Next() {
		fo, err := sqliteScanFeedback(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pending object")
		}
		objects = append(objects, *fo)
	}
	return objects, eris.Wrap(rows.Err(), "sqlite: list pending verification iterate")
}

func (s *SQLiteStore) ClaimVerification(ctx context.Context, id string, now time.Time, staleAfter time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE feedback_objects SET verification_claimed_at = ?
		 WHERE id = ? AND verified_at IS NULL AND quarantined_at IS NULL
		   AND (verification_claimed_at IS NULL OR verification_claimed_at < ?)`,
		now, id, now.Add(-staleAfter),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim verification %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseVerificationClaim(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feedback_objects SET verification_claimed_at = NULL WHERE id = ?`,
		id,
	)
	return eris.Wrapf(err, "sqlite: release verification claim %s", id)
}

func (s *SQLiteStore) RecordVerification(ctx context.Context, id string, result model.VerificationResult, data *model.VerificationData, verifiedAt time.Time, status model.Status) error {
	var dataJSON any
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal verification data")
		}
		dataJSON = string(raw)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE feedback_objects
		 SET verified_at = ?, verification_result = ?, verification_data = ?,
		     status = ?, verification_claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND verified_at IS NULL`,
		verifiedAt, string(result), dataJSON, string(status), verifiedAt, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record verification %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrStatusConflict, "feedback object %s already verified", id)
	}
	return nil
}

func (s *SQLiteStore) IncrementVerificationAttempts(ctx context.Context, id string, maxAttempts int, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE feedback_objects
		 SET verification_attempts = verification_attempts + 1,
		     verification_claimed_at = NULL,
		     quarantined_at = CASE WHEN verification_attempts + 1 >= ? THEN ? ELSE quarantined_at END,
		     updated_at = ?
		 WHERE id = ?`,
		maxAttempts, now, now, id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: increment verification attempts %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return false, eris.Wrapf(ErrNotFound, "feedback object %s", id)
	}

	var quarantined bool
	err = s.db.QueryRowContext(ctx,
		`SELECT quarantined_at IS NOT NULL FROM feedback_objects WHERE id = ?`, id,
	).Scan(&quarantined)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: read quarantine state %s", id)
	}
	return quarantined, nil
}

func (s *SQLiteStore) InsertOutcome(ctx context.Context, o model.Outcome) (*model.Outcome, error) {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}

	specJSON, err := json.Marshal(o.Spec)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal outcome spec")
	}
	dataJSON, err := json.Marshal(o.Data)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal outcome data")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO feedback_outcomes (id, feedback_object_id, result, spec, data, successor_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.FeedbackObjectID, string(o.Result), string(specJSON), string(dataJSON),
		nullable(o.SuccessorID), o.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert outcome")
	}
	return &o, nil
}

func (s *SQLiteStore) ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]model.Outcome, error) {
	query := `SELECT id, feedback_object_id, result, spec, data, successor_id, created_at FROM feedback_outcomes WHERE 1=1`
	var args []any

	if filter.FeedbackObjectID != "" {
		query += ` AND feedback_object_id = ?`
		args = append(args, filter.FeedbackObjectID)
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list outcomes")
	}
	defer rows.Close()

	var outcomes []model.Outcome
	for rows.Next() {
		var (
			o           model.Outcome
			specJSON    string
			dataJSON    string
			successorID sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.FeedbackObjectID, &o.Result, &specJSON, &dataJSON, &successorID, &o.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan outcome")
		}
		if err := json.Unmarshal([]byte(specJSON), &o.Spec); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal outcome spec")
		}
		if err := json.Unmarshal([]byte(dataJSON), &o.Data); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal outcome data")
		}
		o.SuccessorID = successorID.String
		outcomes = append(outcomes, o)
	}
	return outcomes, eris.Wrap(rows.Err(), "sqlite: list outcomes iterate")
}

func (s *SQLiteStore) CollectLoopCounts(ctx context.Context, orgID string, now time.Time) (*LoopCounts, error) {
	counts := &LoopCounts{ByStatus: make(map[model.Status]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM feedback_objects WHERE (?1 = '' OR org_id = ?1) GROUP BY status`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by status")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts.ByStatus[model.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: count by status iterate")
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feedback_objects
		 WHERE (?1 = '' OR org_id = ?1) AND status IN ('open', 'acknowledged', 'in_progress') AND due_at < ?2`,
		orgID, now,
	).Scan(&counts.OverdueOpen)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count overdue")
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feedback_objects
		 WHERE (?1 = '' OR org_id = ?1) AND status = 'resolved' AND verification_spec IS NOT NULL
		   AND verified_at IS NULL AND quarantined_at IS NULL`,
		orgID,
	).Scan(&counts.PendingVerification)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count pending verification")
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feedback_objects WHERE (?1 = '' OR org_id = ?1) AND quarantined_at IS NOT NULL`,
		orgID,
	).Scan(&counts.Quarantined)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count quarantined")
	}

	return counts, nil
}

// scan helpers

func sqliteScanSignal(row scannable) (*model.Signal, error) {
	var (
		sig         model.Signal
		venueID     sql.NullString
		impactUnit  sql.NullString
		entityType  sql.NullString
		entityID    sql.NullString
		payloadJSON sql.NullString
		runID       sql.NullString
		confidence  sql.NullFloat64
	)
	err := row.Scan(&sig.ID, &sig.OrgID, &venueID, &sig.BusinessDate, &sig.Domain, &sig.SignalType,
		&sig.Source, &sig.Severity, &confidence, &sig.ImpactValue, &impactUnit,
		&entityType, &entityID, &payloadJSON, &sig.DedupeKey, &runID, &sig.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan signal")
	}
	sig.VenueID = venueID.String
	sig.ImpactUnit = impactUnit.String
	sig.EntityType = entityType.String
	sig.EntityID = entityID.String
	sig.DetectedRunID = runID.String
	if confidence.Valid {
		sig.Confidence = &confidence.Float64
	}
	if payloadJSON.Valid && payloadJSON.String != "" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &sig.Payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal signal payload")
		}
	}
	return &sig, nil
}

func sqliteScanFeedback(row scannable) (*model.FeedbackObject, error) {
	var (
		fo          model.FeedbackObject
		venueID     sql.NullString
		confidence  sql.NullFloat64
		assignedTo  sql.NullString
		dueAt       sql.NullTime
		specJSON    sql.NullString
		resolvedAt  sql.NullTime
		resolvedBy  sql.NullString
		resSummary  sql.NullString
		verifiedAt  sql.NullTime
		result      sql.NullString
		dataJSON    sql.NullString
		claimedAt   sql.NullTime
		quarantined sql.NullTime
		sourceRunID sql.NullString
	)
	err := row.Scan(&fo.ID, &fo.OrgID, &venueID, &fo.BusinessDate, &fo.Domain, &fo.Title, &fo.Message,
		&fo.RequiredAction, &fo.Severity, &confidence, &fo.OwnerRole, &assignedTo, &dueAt,
		&specJSON, &fo.Status, &resolvedAt, &resolvedBy, &resSummary, &verifiedAt, &result,
		&dataJSON, &claimedAt, &fo.VerificationAttempts, &quarantined,
		&sourceRunID, &fo.CreatedAt, &fo.UpdatedAt)
	if err != nil {
		return nil, err
	}
	fo.VenueID = venueID.String
	fo.AssignedTo = assignedTo.String
	fo.ResolvedBy = resolvedBy.String
	fo.ResolutionSummary = resSummary.String
	fo.SourceRunID = sourceRunID.String
	if confidence.Valid {
		fo.Confidence = &confidence.Float64
	}
	if dueAt.Valid {
		fo.DueAt = &dueAt.Time
	}
	if resolvedAt.Valid {
		fo.ResolvedAt = &resolvedAt.Time
	}
	if verifiedAt.Valid {
		fo.VerifiedAt = &verifiedAt.Time
	}
	if claimedAt.Valid {
		fo.VerificationClaimedAt = &claimedAt.Time
	}
	if quarantined.Valid {
		fo.QuarantinedAt = &quarantined.Time
	}
	if result.Valid {
		fo.VerificationResult = model.VerificationResult(result.String)
	}
	if specJSON.Valid && specJSON.String != "" {
		fo.VerificationSpec = &model.VerificationSpec{}
		if err := json.Unmarshal([]byte(specJSON.String), fo.VerificationSpec); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal verification spec")
		}
	}
	if dataJSON.Valid && dataJSON.String != "" {
		fo.VerificationData = &model.VerificationData{}
		if err := json.Unmarshal([]byte(dataJSON.String), fo.VerificationData); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal verification data")
		}
	}
	return &fo, nil
}
