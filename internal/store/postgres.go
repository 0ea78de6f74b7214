package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/backofhouse/opsloop/internal/db"
	"github.com/backofhouse/opsloop/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// SQL for the hottest paths, shared between the call sites and the
// per-connection prepare list so pgx matches them byte for byte.
const (
	insertSignalSQL = `INSERT INTO signals (` + signalColumns + `)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (dedupe_key) DO NOTHING`

	getFeedbackSQL = `SELECT ` + feedbackColumns + ` FROM feedback_objects WHERE id = $1`

	claimVerificationSQL = `UPDATE feedback_objects SET verification_claimed_at = $2
		 WHERE id = $1 AND verified_at IS NULL AND quarantined_at IS NULL
		   AND (verification_claimed_at IS NULL OR verification_claimed_at < $3)`
)

// preparedStatements lists queries to prepare on each new connection:
// detector ingestion and the verification sweep.
var preparedStatements = map[string]string{
	"insert_signal":      insertSignalSQL,
	"get_feedback":       getFeedbackSQL,
	"claim_verification": claimVerificationSQL,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Tests inject pgxmock here.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that issue
// their own queries (metric providers, the facts importer).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS signals (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	org_id          TEXT NOT NULL,
	venue_id        TEXT,
	business_date   DATE NOT NULL,
	domain          TEXT NOT NULL,
	signal_type     TEXT NOT NULL,
	source          TEXT NOT NULL DEFAULT 'rule',
	severity        TEXT NOT NULL DEFAULT 'info',
	confidence      DOUBLE PRECISION,
	impact_value    DOUBLE PRECISION NOT NULL DEFAULT 0,
	impact_unit     TEXT,
	entity_type     TEXT,
	entity_id       TEXT,
	payload         JSONB,
	dedupe_key      TEXT NOT NULL UNIQUE,
	detected_run_id TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_signals_org_date ON signals(org_id, business_date);
CREATE INDEX IF NOT EXISTS idx_signals_venue_date ON signals(venue_id, business_date);
CREATE INDEX IF NOT EXISTS idx_signals_type ON signals(signal_type);

CREATE TABLE IF NOT EXISTS feedback_objects (
	id                      TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	org_id                  TEXT NOT NULL,
	venue_id                TEXT,
	business_date           DATE NOT NULL,
	domain                  TEXT NOT NULL,
	title                   TEXT NOT NULL,
	message                 TEXT NOT NULL,
	required_action         TEXT NOT NULL DEFAULT 'acknowledge',
	severity                TEXT NOT NULL DEFAULT 'warning',
	confidence              DOUBLE PRECISION,
	owner_role              TEXT NOT NULL DEFAULT 'venue_manager',
	assigned_to             TEXT,
	due_at                  TIMESTAMPTZ,
	verification_spec       JSONB,
	status                  TEXT NOT NULL DEFAULT 'open',
	resolved_at             TIMESTAMPTZ,
	resolved_by             TEXT,
	resolution_summary      TEXT,
	verified_at             TIMESTAMPTZ,
	verification_result     TEXT,
	verification_data       JSONB,
	verification_claimed_at TIMESTAMPTZ,
	verification_attempts   INTEGER NOT NULL DEFAULT 0,
	quarantined_at          TIMESTAMPTZ,
	source_run_id           TEXT,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_feedback_status ON feedback_objects(status);
CREATE INDEX IF NOT EXISTS idx_feedback_org_date ON feedback_objects(org_id, business_date);
CREATE INDEX IF NOT EXISTS idx_feedback_pending ON feedback_objects(status) WHERE verified_at IS NULL AND verification_spec IS NOT NULL;

CREATE TABLE IF NOT EXISTS feedback_object_signals (
	feedback_object_id TEXT NOT NULL REFERENCES feedback_objects(id),
	signal_id          TEXT NOT NULL REFERENCES signals(id),
	signal_role        TEXT NOT NULL DEFAULT 'primary',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (feedback_object_id, signal_id)
);

CREATE TABLE IF NOT EXISTS feedback_outcomes (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	feedback_object_id TEXT NOT NULL REFERENCES feedback_objects(id),
	result             TEXT NOT NULL,
	spec               JSONB NOT NULL,
	data               JSONB NOT NULL,
	successor_id       TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_outcomes_feedback ON feedback_outcomes(feedback_object_id);
CREATE INDEX IF NOT EXISTS idx_outcomes_created ON feedback_outcomes(created_at);

CREATE TABLE IF NOT EXISTS venue_day_facts (
	org_id        TEXT NOT NULL,
	venue_id      TEXT NOT NULL,
	business_date DATE NOT NULL,
	net_sales     DOUBLE PRECISION NOT NULL DEFAULT 0,
	comp_total    DOUBLE PRECISION NOT NULL DEFAULT 0,
	comp_pct      DOUBLE PRECISION NOT NULL DEFAULT 0,
	covers        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (org_id, venue_id, business_date)
);

CREATE TABLE IF NOT EXISTS labor_day_facts (
	org_id        TEXT NOT NULL,
	venue_id      TEXT NOT NULL,
	business_date DATE NOT NULL,
	labor_hours   DOUBLE PRECISION NOT NULL DEFAULT 0,
	labor_cost    DOUBLE PRECISION NOT NULL DEFAULT 0,
	labor_pct     DOUBLE PRECISION NOT NULL DEFAULT 0,
	cplh          DOUBLE PRECISION NOT NULL DEFAULT 0,
	splh          DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (org_id, venue_id, business_date)
);

CREATE TABLE IF NOT EXISTS invoice_variances (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	org_id        TEXT NOT NULL,
	venue_id      TEXT NOT NULL,
	business_date DATE NOT NULL,
	vendor        TEXT,
	item          TEXT,
	variance_pct  DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_spike      BOOLEAN NOT NULL DEFAULT false,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_invoice_variances_venue_date ON invoice_variances(venue_id, business_date);

CREATE TABLE IF NOT EXISTS inventory_balances (
	org_id        TEXT NOT NULL,
	venue_id      TEXT NOT NULL,
	business_date DATE NOT NULL,
	item          TEXT NOT NULL,
	shrink_cost   DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (org_id, venue_id, business_date, item)
);

CREATE TABLE IF NOT EXISTS items_below_reorder (
	org_id        TEXT NOT NULL,
	venue_id      TEXT NOT NULL,
	item          TEXT NOT NULL,
	on_hand       DOUBLE PRECISION NOT NULL DEFAULT 0,
	reorder_point DOUBLE PRECISION NOT NULL DEFAULT 0,
	as_of         TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (org_id, venue_id, item)
);
`

const signalColumns = `id, org_id, venue_id, business_date, domain, signal_type, source, severity, confidence, impact_value, impact_unit, entity_type, entity_id, payload, dedupe_key, detected_run_id, created_at`

const feedbackColumns = `id, org_id, venue_id, business_date, domain, title, message, required_action, severity, confidence, owner_role, assigned_to, due_at, verification_spec, status, resolved_at, resolved_by, resolution_summary, verified_at, verification_result, verification_data, verification_claimed_at, verification_attempts, quarantined_at, source_run_id, created_at, updated_at`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// prepareSignal validates the input and fills the derived fields.
func prepareSignal(in model.SignalInput) (*model.Signal, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	key := in.DedupeKey
	if key == "" {
		k, err := model.ComputeDedupeKey(in)
		if err != nil {
			return nil, err
		}
		key = k
	}
	return &model.Signal{
		ID:            uuid.New().String(),
		OrgID:         in.OrgID,
		VenueID:       in.VenueID,
		BusinessDate:  in.BusinessDate,
		Domain:        in.Domain,
		SignalType:    in.SignalType,
		Source:        in.Source,
		Severity:      in.Severity,
		Confidence:    in.Confidence,
		ImpactValue:   in.ImpactValue,
		ImpactUnit:    in.ImpactUnit,
		EntityType:    in.EntityType,
		EntityID:      in.EntityID,
		Payload:       in.Payload,
		DedupeKey:     key,
		DetectedRunID: in.DetectedRunID,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal payload")
	}
	return raw, nil
}

func (s *PostgresStore) WriteSignal(ctx context.Context, in model.SignalInput) (*model.Signal, error) {
	sig, err := prepareSignal(in)
	if err != nil {
		return nil, err
	}
	payloadJSON, err := marshalPayload(sig.Payload)
	if err != nil {
		return nil, err
	}

	tag, err := s.pool.Exec(ctx, insertSignalSQL,
		sig.ID, sig.OrgID, nullable(sig.VenueID), sig.BusinessDate, string(sig.Domain),
		sig.SignalType, string(sig.Source), string(sig.Severity), sig.Confidence,
		sig.ImpactValue, nullable(sig.ImpactUnit), nullable(sig.EntityType), nullable(sig.EntityID),
		payloadJSON, sig.DedupeKey, nullable(sig.DetectedRunID), sig.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert signal")
	}
	if tag.RowsAffected() == 0 {
		// Detector re-fired for a fact we already recorded.
		zap.L().Info("store: duplicate signal ignored",
			zap.String("dedupe_key", sig.DedupeKey),
		)
		return nil, nil
	}
	return sig, nil
}

func (s *PostgresStore) WriteSignals(ctx context.Context, ins []model.SignalInput) ([]model.Signal, error) {
	if len(ins) == 0 {
		return nil, nil
	}

	prepared := make([]*model.Signal, 0, len(ins))
	seen := make(map[string]bool, len(ins))
	for _, in := range ins {
		sig, err := prepareSignal(in)
		if err != nil {
			return nil, err
		}
		// A detector can fire twice for the same fact within one batch;
		// only the first occurrence of a dedupe key reaches the insert,
		// the rest count as duplicates like any existing row would.
		if seen[sig.DedupeKey] {
			continue
		}
		seen[sig.DedupeKey] = true
		prepared = append(prepared, sig)
	}

	var (
		placeholders []string
		args         []any
	)
	argIdx := 1
	for _, sig := range prepared {
		payloadJSON, err := marshalPayload(sig.Payload)
		if err != nil {
			return nil, err
		}
		ph := make([]string, 17)
		for i := range ph {
			ph[i] = fmt.Sprintf("$%d", argIdx)
			argIdx++
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ", ")+")")
		args = append(args,
			sig.ID, sig.OrgID, nullable(sig.VenueID), sig.BusinessDate, string(sig.Domain),
			sig.SignalType, string(sig.Source), string(sig.Severity), sig.Confidence,
			sig.ImpactValue, nullable(sig.ImpactUnit), nullable(sig.EntityType), nullable(sig.EntityID),
			payloadJSON, sig.DedupeKey, nullable(sig.DetectedRunID), sig.CreatedAt,
		)
	}

	// ON CONFLICT DO NOTHING keeps the non-duplicate members of the batch;
	// RETURNING tells us which rows actually landed.
	query := `INSERT INTO signals (` + signalColumns + `) VALUES ` +
		strings.Join(placeholders, ", ") +
		` ON CONFLICT (dedupe_key) DO NOTHING RETURNING dedupe_key`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert signal batch")
	}
	defer rows.Close()

	inserted := make(map[string]bool, len(prepared))
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, eris.Wrap(err, "postgres: scan inserted dedupe key")
		}
		inserted[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: insert signal batch iterate")
	}

	var created []model.Signal
	for _, sig := range prepared {
		if inserted[sig.DedupeKey] {
			created = append(created, *sig)
		}
	}
	if dup := len(ins) - len(created); dup > 0 {
		zap.L().Info("store: duplicate signals ignored in batch",
			zap.Int("duplicates", dup),
			zap.Int("created", len(created)),
		)
	}
	return created, nil
}

func (s *PostgresStore) ListSignals(ctx context.Context, filter SignalFilter) ([]model.Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals WHERE true`
	args := []any{}
	argIdx := 1

	addEq := func(col string, val string) {
		if val != "" {
			query += fmt.Sprintf(` AND %s = $%d`, col, argIdx)
			args = append(args, val)
			argIdx++
		}
	}
	addEq("org_id", filter.OrgID)
	addEq("venue_id", filter.VenueID)
	addEq("business_date", filter.BusinessDate)
	addEq("domain", string(filter.Domain))
	addEq("signal_type", filter.SignalType)
	addEq("severity", string(filter.Severity))
	if filter.DateFrom != "" {
		query += fmt.Sprintf(` AND business_date >= $%d`, argIdx)
		args = append(args, filter.DateFrom)
		argIdx++
	}
	if filter.DateTo != "" {
		query += fmt.Sprintf(` AND business_date <= $%d`, argIdx)
		args = append(args, filter.DateTo)
		argIdx++
	}

	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list signals")
	}
	defer rows.Close()

	var signals []model.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, *sig)
	}
	return signals, eris.Wrap(rows.Err(), "postgres: list signals iterate")
}

func (s *PostgresStore) CreateFeedbackObject(ctx context.Context, fo model.FeedbackObject) (*model.FeedbackObject, error) {
	if fo.ID == "" {
		fo.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if fo.CreatedAt.IsZero() {
		fo.CreatedAt = now
	}
	fo.UpdatedAt = now

	specJSON, err := marshalJSONField(fo.VerificationSpec, "verification spec")
	if err != nil {
		return nil, err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO feedback_objects
		 (id, org_id, venue_id, business_date, domain, title, message, required_action, severity, confidence,
		  owner_role, assigned_to, due_at, verification_spec, status, source_run_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		fo.ID, fo.OrgID, nullable(fo.VenueID), fo.BusinessDate, string(fo.Domain),
		fo.Title, fo.Message, string(fo.RequiredAction), string(fo.Severity), fo.Confidence,
		string(fo.OwnerRole), nullable(fo.AssignedTo), fo.DueAt, specJSON, string(fo.Status),
		nullable(fo.SourceRunID), fo.CreatedAt, fo.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert feedback object")
	}
	return &fo, nil
}

func (s *PostgresStore) LinkSignals(ctx context.Context, feedbackID string, signalIDs []string, role string) error {
	if len(signalIDs) == 0 {
		return nil
	}
	var (
		placeholders []string
		args         []any
	)
	argIdx := 1
	now := time.Now().UTC()
	for _, sigID := range signalIDs {
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d)", argIdx, argIdx+1, argIdx+2, argIdx+3))
		args = append(args, feedbackID, sigID, role, now)
		argIdx += 4
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO feedback_object_signals (feedback_object_id, signal_id, signal_role, created_at) VALUES `+
			strings.Join(placeholders, ", ")+
			` ON CONFLICT (feedback_object_id, signal_id) DO NOTHING`,
		args...,
	)
	return eris.Wrapf(err, "postgres: link signals to %s", feedbackID)
}

func (s *PostgresStore) GetFeedbackObject(ctx context.Context, id string) (*model.FeedbackObject, error) {
	row := s.pool.QueryRow(ctx, getFeedbackSQL, id)
	fo, err := scanFeedback(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "feedback object %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get feedback object %s", id)
	}
	return fo, nil
}

func (s *PostgresStore) ListFeedbackObjects(ctx context.Context, filter FeedbackFilter) ([]model.FeedbackObject, error) {
	query := `SELECT ` + feedbackColumns + ` FROM feedback_objects WHERE true`
	args := []any{}
	argIdx := 1

	addEq := func(col string, val string) {
		if val != "" {
			query += fmt.Sprintf(` AND %s = $%d`, col, argIdx)
			args = append(args, val)
			argIdx++
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
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list feedback objects")
	}
	defer rows.Close()

	var objects []model.FeedbackObject
	for rows.Next() {
		fo, err := scanFeedback(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan feedback object")
		}
		objects = append(objects, *fo)
	}
	return objects, eris.Wrap(rows.Err(), "postgres: list feedback objects iterate")
}

func (s *PostgresStore) ListLinkedSignalIDs(ctx context.Context, feedbackID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT signal_id FROM feedback_object_signals WHERE feedback_object_id = $1 ORDER BY created_at`,
		feedbackID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list linked signals for %s", feedbackID)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan signal link")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: list linked signals iterate")
}

func (s *PostgresStore) UpdateFeedbackStatus(ctx context.Context, id string, from, to model.Status, upd StatusUpdate) error {
	now := time.Now().UTC()

	var tag interface{ RowsAffected() int64 }
	var err error
	if to == model.StatusResolved {
		tag, err = s.pool.Exec(ctx,
			`UPDATE feedback_objects
			 SET status = $1, resolved_at = $2, resolved_by = $3, resolution_summary = $4, updated_at = $2
			 WHERE id = $5 AND status = $6`,
			string(to), now, nullable(upd.Actor), nullable(upd.ResolutionSummary), id, string(from),
		)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE feedback_objects SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
			string(to), now, id, string(from),
		)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: update feedback status %s", id)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if scanErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM feedback_objects WHERE id = $1)`, id,
		).Scan(&exists); scanErr == nil && !exists {
			return eris.Wrapf(ErrNotFound, "feedback object %s", id)
		}
		return eris.Wrapf(ErrStatusConflict, "feedback object %s no longer %s", id, from)
	}
	return nil
}

func (s *PostgresStore) ListPendingVerification(ctx context.Context) ([]model.FeedbackObject, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+feedbackColumns+` FROM feedback_objects
		 WHERE status = 'resolved' AND verification_spec IS NOT NULL
		   AND verified_at IS NULL AND quarantined_at IS NULL
		 ORDER BY resolved_at ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending verification")
	}
	defer rows.Close()

	var objects []model.FeedbackObject
	for rows.Next() {
		fo, err := scanFeedback(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan pending object")
		}
		objects = append(objects, *fo)
	}
	return objects, eris.Wrap(rows.Err(), "postgres: list pending verification iterate")
}

func (s *PostgresStore) ClaimVerification(ctx context.Context, id string, now time.Time, staleAfter time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, claimVerificationSQL,
		id, now, now.Add(-staleAfter),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim verification %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseVerificationClaim(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE feedback_objects SET verification_claimed_at = NULL WHERE id = $1`,
		id,
	)
	return eris.Wrapf(err, "postgres: release verification claim %s", id)
}

func (s *PostgresStore) RecordVerification(ctx context.Context, id string, result model.VerificationResult, data *model.VerificationData, verifiedAt time.Time, status model.Status) error {
	dataJSON, err := marshalJSONField(data, "verification data")
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE feedback_objects
		 SET verified_at = $2, verification_result = $3, verification_data = $4,
		     status = $5, verification_claimed_at = NULL, updated_at = $2
		 WHERE id = $1 AND verified_at IS NULL`,
		id, verifiedAt, string(result), dataJSON, string(status),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record verification %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrStatusConflict, "feedback object %s already verified", id)
	}
	return nil
}

func (s *PostgresStore) IncrementVerificationAttempts(ctx context.Context, id string, maxAttempts int, now time.Time) (bool, error) {
	var quarantined bool
	err := s.pool.QueryRow(ctx,
		`UPDATE feedback_objects
		 SET verification_attempts = verification_attempts + 1,
		     verification_claimed_at = NULL,
		     quarantined_at = CASE WHEN verification_attempts + 1 >= $2 THEN $3 ELSE quarantined_at END,
		     updated_at = $3
		 WHERE id = $1
		 RETURNING quarantined_at IS NOT NULL`,
		id, maxAttempts, now,
	).Scan(&quarantined)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, eris.Wrapf(ErrNotFound, "feedback object %s", id)
		}
		return false, eris.Wrapf(err, "postgres: increment verification attempts %s", id)
	}
	return quarantined, nil
}

func (s *PostgresStore) InsertOutcome(ctx context.Context, o model.Outcome) (*model.Outcome, error) {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}

	specJSON, err := marshalJSONField(o.Spec, "outcome spec")
	if err != nil {
		return nil, err
	}
	dataJSON, err := marshalJSONField(o.Data, "outcome data")
	if err != nil {
		return nil, err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO feedback_outcomes (id, feedback_object_id, result, spec, data, successor_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.ID, o.FeedbackObjectID, string(o.Result), specJSON, dataJSON, nullable(o.SuccessorID), o.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert outcome")
	}
	return &o, nil
}

func (s *PostgresStore) ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]model.Outcome, error) {
	query := `SELECT id, feedback_object_id, result, spec, data, successor_id, created_at FROM feedback_outcomes WHERE true`
	args := []any{}
	argIdx := 1

	if filter.FeedbackObjectID != "" {
		query += fmt.Sprintf(` AND feedback_object_id = $%d`, argIdx)
		args = append(args, filter.FeedbackObjectID)
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.Since)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list outcomes")
	}
	defer rows.Close()

	var outcomes []model.Outcome
	for rows.Next() {
		var (
			o           model.Outcome
			specJSON    []byte
			dataJSON    []byte
			successorID *string
		)
		if err := rows.Scan(&o.ID, &o.FeedbackObjectID, &o.Result, &specJSON, &dataJSON, &successorID, &o.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan outcome")
		}
		if err := json.Unmarshal(specJSON, &o.Spec); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal outcome spec")
		}
		if err := json.Unmarshal(dataJSON, &o.Data); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal outcome data")
		}
		if successorID != nil {
			o.SuccessorID = *successorID
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, eris.Wrap(rows.Err(), "postgres: list outcomes iterate")
}

func (s *PostgresStore) CollectLoopCounts(ctx context.Context, orgID string, now time.Time) (*LoopCounts, error) {
	counts := &LoopCounts{ByStatus: make(map[model.Status]int)}

	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM feedback_objects WHERE ($1 = '' OR org_id = $1) GROUP BY status`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count by status")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts.ByStatus[model.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: count by status iterate")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM feedback_objects
		 WHERE ($1 = '' OR org_id = $1) AND status IN ('open', 'acknowledged', 'in_progress') AND due_at < $2`,
		orgID, now,
	).Scan(&counts.OverdueOpen)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count overdue")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM feedback_objects
		 WHERE ($1 = '' OR org_id = $1) AND status = 'resolved' AND verification_spec IS NOT NULL
		   AND verified_at IS NULL AND quarantined_at IS NULL`,
		orgID,
	).Scan(&counts.PendingVerification)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count pending verification")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM feedback_objects WHERE ($1 = '' OR org_id = $1) AND quarantined_at IS NOT NULL`,
		orgID,
	).Scan(&counts.Quarantined)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count quarantined")
	}

	return counts, nil
}

// scan helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanSignal(row scannable) (*model.Signal, error) {
	var (
		sig         model.Signal
		venueID     *string
		impactUnit  *string
		entityType  *string
		entityID    *string
		payloadJSON []byte
		runID       *string
		bizDate     time.Time
	)
	err := row.Scan(&sig.ID, &sig.OrgID, &venueID, &bizDate, &sig.Domain, &sig.SignalType,
		&sig.Source, &sig.Severity, &sig.Confidence, &sig.ImpactValue, &impactUnit,
		&entityType, &entityID, &payloadJSON, &sig.DedupeKey, &runID, &sig.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan signal")
	}
	sig.BusinessDate = bizDate.Format("2006-01-02")
	sig.VenueID = deref(venueID)
	sig.ImpactUnit = deref(impactUnit)
	sig.EntityType = deref(entityType)
	sig.EntityID = deref(entityID)
	sig.DetectedRunID = deref(runID)
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &sig.Payload); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal signal payload")
		}
	}
	return &sig, nil
}

func scanFeedback(row scannable) (*model.FeedbackObject, error) {
	var (
		fo          model.FeedbackObject
		venueID     *string
		assignedTo  *string
		resolvedBy  *string
		resSummary  *string
		result      *string
		sourceRunID *string
		specJSON    []byte
		dataJSON    []byte
		bizDate     time.Time
	)
	err := row.Scan(&fo.ID, &fo.OrgID, &venueID, &bizDate, &fo.Domain, &fo.Title, &fo.Message,
		&fo.RequiredAction, &fo.Severity, &fo.Confidence, &fo.OwnerRole, &assignedTo, &fo.DueAt,
		&specJSON, &fo.Status, &fo.ResolvedAt, &resolvedBy, &resSummary, &fo.VerifiedAt, &result,
		&dataJSON, &fo.VerificationClaimedAt, &fo.VerificationAttempts, &fo.QuarantinedAt,
		&sourceRunID, &fo.CreatedAt, &fo.UpdatedAt)
	if err != nil {
		return nil, err
	}
	fo.BusinessDate = bizDate.Format("2006-01-02")
	fo.VenueID = deref(venueID)
	fo.AssignedTo = deref(assignedTo)
	fo.ResolvedBy = deref(resolvedBy)
	fo.ResolutionSummary = deref(resSummary)
	fo.SourceRunID = deref(sourceRunID)
	if result != nil {
		fo.VerificationResult = model.VerificationResult(*result)
	}
	if len(specJSON) > 0 {
		fo.VerificationSpec = &model.VerificationSpec{}
		if err := json.Unmarshal(specJSON, fo.VerificationSpec); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal verification spec")
		}
	}
	if len(dataJSON) > 0 {
		fo.VerificationData = &model.VerificationData{}
		if err := json.Unmarshal(dataJSON, fo.VerificationData); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal verification data")
		}
	}
	return &fo, nil
}

func marshalJSONField(v any, what string) ([]byte, error) {
	switch val := v.(type) {
	case *model.VerificationSpec:
		if val == nil {
			return nil, nil
		}
	case *model.VerificationData:
		if val == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: marshal %s", what)
	}
	return raw, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
