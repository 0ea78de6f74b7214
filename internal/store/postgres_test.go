package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backofhouse/opsloop/internal/model"
)

// anyArgs builds a WithArgs list that matches any n arguments; pgxmock
// expectations without WithArgs only match calls that pass no arguments.
func anyArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresFromPool(mock), mock
}

func sampleSignalInput() model.SignalInput {
	return model.SignalInput{
		OrgID:        "org-1",
		VenueID:      "v-1",
		BusinessDate: "2026-08-20",
		Domain:       model.DomainRevenue,
		SignalType:   "comp_pct_high",
		Source:       model.SourceRule,
		Severity:     model.SeverityWarning,
		ImpactValue:  412.50,
		ImpactUnit:   "usd",
		EntityType:   "venue",
		EntityID:     "v-1",
		Payload:      map[string]any{"comp_pct": 6.4, "threshold": 3.0},
	}
}

func TestWriteSignal_Inserts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO signals`).
		WithArgs(anyArgs(17)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	sig, err := s.WriteSignal(context.Background(), sampleSignalInput())
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.NotEmpty(t, sig.ID)
	assert.Contains(t, sig.DedupeKey, "revenue:comp_pct_high:venue:v-1:")
	assert.False(t, sig.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteSignal_DuplicateReturnsNil(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO signals`).
		WithArgs(anyArgs(17)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	sig, err := s.WriteSignal(context.Background(), sampleSignalInput())
	require.NoError(t, err)
	assert.Nil(t, sig)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteSignal_InvalidInputRejected(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	in := sampleSignalInput()
	in.OrgID = ""
	_, err := s.WriteSignal(context.Background(), in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "org_id is required")
}

// The per-connection prepare list only pays off when the call sites
// send the same bytes, so match them exactly rather than by pattern.
func TestPreparedStatements_MatchCallSites(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s := NewPostgresFromPool(mock)
	ctx := context.Background()

	mock.ExpectExec(preparedStatements["insert_signal"]).
		WithArgs(anyArgs(17)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	_, err = s.WriteSignal(ctx, sampleSignalInput())
	require.NoError(t, err)

	mock.ExpectExec(preparedStatements["claim_verification"]).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	claimed, err := s.ClaimVerification(ctx, "fo-1", time.Now().UTC(), 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteSignals_FiltersDuplicates(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	first := sampleSignalInput()
	second := sampleSignalInput()
	second.SignalType = "unapproved_comp"
	second.Payload = map[string]any{"count": 3}

	firstKey, err := model.ComputeDedupeKey(first)
	require.NoError(t, err)

	// Only the first row survives the conflict clause.
	mock.ExpectQuery(`INSERT INTO signals .* RETURNING dedupe_key`).
		WithArgs(anyArgs(34)...).
		WillReturnRows(pgxmock.NewRows([]string{"dedupe_key"}).AddRow(firstKey))

	created, err := s.WriteSignals(context.Background(), []model.SignalInput{first, second})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, firstKey, created[0].DedupeKey)
	assert.Equal(t, "comp_pct_high", created[0].SignalType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteSignals_IntraBatchDuplicateCollapsed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// The same fact reported twice in one batch: one row lands, one
	// signal comes back. Returning both would hand the caller a phantom
	// ID that exists nowhere in the database.
	first := sampleSignalInput()
	repeat := sampleSignalInput()

	key, err := model.ComputeDedupeKey(first)
	require.NoError(t, err)

	mock.ExpectQuery(`INSERT INTO signals .* RETURNING dedupe_key`).
		WithArgs(anyArgs(17)...).
		WillReturnRows(pgxmock.NewRows([]string{"dedupe_key"}).AddRow(key))

	created, err := s.WriteSignals(context.Background(), []model.SignalInput{first, repeat})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, key, created[0].DedupeKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteSignals_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	created, err := s.WriteSignals(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListSignals_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	venue := "v-1"
	rows := pgxmock.NewRows([]string{
		"id", "org_id", "venue_id", "business_date", "domain", "signal_type",
		"source", "severity", "confidence", "impact_value", "impact_unit",
		"entity_type", "entity_id", "payload", "dedupe_key", "detected_run_id", "created_at",
	}).AddRow(
		"sig-1", "org-1", &venue, time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
		model.DomainRevenue, "comp_pct_high", model.SourceRule, model.SeverityWarning,
		nil, 412.50, nil, nil, nil, []byte(`{"comp_pct":6.4}`), "revenue:comp_pct_high:venue:v-1:abc", nil,
		time.Date(2026, 8, 21, 3, 0, 0, 0, time.UTC),
	)
	mock.ExpectQuery(`SELECT .* FROM signals WHERE true AND org_id = \$1 AND venue_id = \$2`).
		WithArgs("org-1", "v-1", 100).
		WillReturnRows(rows)

	signals, err := s.ListSignals(context.Background(), SignalFilter{OrgID: "org-1", VenueID: "v-1"})
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "2026-08-20", signals[0].BusinessDate)
	assert.Equal(t, "v-1", signals[0].VenueID)
	assert.Equal(t, 6.4, signals[0].Payload["comp_pct"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateFeedbackObject_FillsDefaults(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO feedback_objects`).
		WithArgs(anyArgs(18)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	fo := model.FeedbackObject{
		OrgID:        "org-1",
		VenueID:      "v-1",
		BusinessDate: "2026-08-20",
		Domain:       model.DomainRevenue,
		Title:        "Comps ran high at v-1",
		Message:      "Comp percentage hit 6.4% against a 3.0% ceiling.",
		Severity:     model.SeverityWarning,
		OwnerRole:    model.RoleVenueManager,
		Status:       model.StatusOpen,
		VerificationSpec: &model.VerificationSpec{
			Metric: "daily_comp_pct", Operator: model.OpLTE, Target: 3.0, WindowDays: 7,
		},
	}
	created, err := s.CreateFeedbackObject(context.Background(), fo)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetFeedbackObject_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .* FROM feedback_objects WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := s.GetFeedbackObject(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func feedbackRowColumns() []string {
	return []string{
		"id", "org_id", "venue_id", "business_date", "domain", "title", "message",
		"required_action", "severity", "confidence", "owner_role", "assigned_to", "due_at",
		"verification_spec", "status", "resolved_at", "resolved_by", "resolution_summary",
		"verified_at", "verification_result", "verification_data", "verification_claimed_at",
		"verification_attempts", "quarantined_at", "source_run_id", "created_at", "updated_at",
	}
}

func TestGetFeedbackObject_Found(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	venue := "v-1"
	resolvedAt := time.Date(2026, 8, 22, 15, 0, 0, 0, time.UTC)
	resolvedBy := "maria"
	created := time.Date(2026, 8, 21, 3, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows(feedbackRowColumns()).AddRow(
		"fo-1", "org-1", &venue, time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
		model.DomainRevenue, "Comps ran high", "Comp percentage hit 6.4%.",
		model.ActionCorrect, model.SeverityWarning, nil, model.RoleVenueManager, nil, nil,
		[]byte(`{"metric":"daily_comp_pct","operator":"<=","target":3.0,"window_days":7}`),
		model.StatusResolved, &resolvedAt, &resolvedBy, nil,
		nil, nil, nil, nil, 0, nil, nil, created, created,
	)
	mock.ExpectQuery(`SELECT .* FROM feedback_objects WHERE id = \$1`).
		WithArgs("fo-1").
		WillReturnRows(rows)

	fo, err := s.GetFeedbackObject(context.Background(), "fo-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, fo.Status)
	assert.Equal(t, "2026-08-20", fo.BusinessDate)
	require.NotNil(t, fo.VerificationSpec)
	assert.Equal(t, "daily_comp_pct", fo.VerificationSpec.Metric)
	assert.Equal(t, model.OpLTE, fo.VerificationSpec.Operator)
	require.NotNil(t, fo.ResolvedAt)
	assert.Equal(t, resolvedAt, *fo.ResolvedAt)
	assert.Equal(t, "maria", fo.ResolvedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateFeedbackStatus_Applies(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE feedback_objects SET status = \$1`).
		WithArgs(anyArgs(4)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateFeedbackStatus(context.Background(), "fo-1",
		model.StatusOpen, model.StatusAcknowledged, StatusUpdate{Actor: "maria"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateFeedbackStatus_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE feedback_objects SET status = \$1`).
		WithArgs(anyArgs(4)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("fo-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.UpdateFeedbackStatus(context.Background(), "fo-1",
		model.StatusOpen, model.StatusAcknowledged, StatusUpdate{})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrStatusConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateFeedbackStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE feedback_objects SET status = \$1`).
		WithArgs(anyArgs(4)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	err := s.UpdateFeedbackStatus(context.Background(), "missing",
		model.StatusOpen, model.StatusAcknowledged, StatusUpdate{})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateFeedbackStatus_ResolvedStampsMetadata(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE feedback_objects\s+SET status = \$1, resolved_at = \$2, resolved_by = \$3`).
		WithArgs(anyArgs(6)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateFeedbackStatus(context.Background(), "fo-1",
		model.StatusInProgress, model.StatusResolved,
		StatusUpdate{Actor: "maria", ResolutionSummary: "retrained closers on comp policy"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimVerification(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 8, 28, 4, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE feedback_objects SET verification_claimed_at = \$2`).
		WithArgs("fo-1", now, now.Add(-30*time.Minute)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	claimed, err := s.ClaimVerification(context.Background(), "fo-1", now, 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimVerification_AlreadyHeld(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 8, 28, 4, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE feedback_objects SET verification_claimed_at = \$2`).
		WithArgs(anyArgs(3)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	claimed, err := s.ClaimVerification(context.Background(), "fo-1", now, 30*time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordVerification(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	verifiedAt := time.Date(2026, 8, 28, 4, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE feedback_objects\s+SET verified_at = \$2`).
		WithArgs(anyArgs(5)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	data := &model.VerificationData{
		Measured: 2.1, WindowStart: "2026-08-23", WindowEnd: "2026-08-27", DaysWithData: 5,
	}
	err := s.RecordVerification(context.Background(), "fo-1",
		model.ResultPass, data, verifiedAt, model.StatusResolved)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordVerification_AlreadyVerified(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE feedback_objects\s+SET verified_at = \$2`).
		WithArgs(anyArgs(5)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.RecordVerification(context.Background(), "fo-1",
		model.ResultPass, nil, time.Now().UTC(), model.StatusResolved)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrStatusConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementVerificationAttempts_Quarantines(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 8, 28, 4, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`UPDATE feedback_objects\s+SET verification_attempts = verification_attempts \+ 1`).
		WithArgs("fo-1", 5, now).
		WillReturnRows(pgxmock.NewRows([]string{"quarantined"}).AddRow(true))

	quarantined, err := s.IncrementVerificationAttempts(context.Background(), "fo-1", 5, now)
	require.NoError(t, err)
	assert.True(t, quarantined)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertOutcome(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO feedback_outcomes`).
		WithArgs(anyArgs(7)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	o, err := s.InsertOutcome(context.Background(), model.Outcome{
		FeedbackObjectID: "fo-1",
		Result:           model.ResultFail,
		Spec:             model.VerificationSpec{Metric: "daily_comp_pct", Operator: model.OpLTE, Target: 3.0, WindowDays: 7},
		Data:             model.VerificationData{Measured: 5.2, DaysWithData: 7},
		SuccessorID:      "fo-2",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, o.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPendingVerification(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	venue := "v-1"
	resolvedAt := time.Date(2026, 8, 22, 15, 0, 0, 0, time.UTC)
	created := time.Date(2026, 8, 21, 3, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows(feedbackRowColumns()).AddRow(
		"fo-1", "org-1", &venue, time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
		model.DomainRevenue, "Comps ran high", "msg",
		model.ActionCorrect, model.SeverityWarning, nil, model.RoleVenueManager, nil, nil,
		[]byte(`{"metric":"daily_comp_pct","operator":"<=","target":3.0,"window_days":7}`),
		model.StatusResolved, &resolvedAt, nil, nil,
		nil, nil, nil, nil, 2, nil, nil, created, created,
	)
	mock.ExpectQuery(`SELECT .* FROM feedback_objects\s+WHERE status = 'resolved'`).
		WillReturnRows(rows)

	pending, err := s.ListPendingVerification(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].VerificationAttempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCollectLoopCounts(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 8, 28, 4, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM feedback_objects`).
		WithArgs("org-1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("open", 4).
			AddRow("resolved", 2))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM feedback_objects\s+WHERE .+ AND status IN`).
		WithArgs("org-1", now).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM feedback_objects\s+WHERE .+ AND status = 'resolved'`).
		WithArgs("org-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM feedback_objects WHERE .+ AND quarantined_at IS NOT NULL`).
		WithArgs("org-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))

	counts, err := s.CollectLoopCounts(context.Background(), "org-1", now)
	require.NoError(t, err)
	assert.Equal(t, 4, counts.ByStatus[model.StatusOpen])
	assert.Equal(t, 2, counts.ByStatus[model.StatusResolved])
	assert.Equal(t, 1, counts.OverdueOpen)
	assert.Equal(t, 2, counts.PendingVerification)
	assert.Equal(t, 0, counts.Quarantined)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkSignals_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	err := s.LinkSignals(context.Background(), "fo-1", nil, model.SignalRolePrimary)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkSignals(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO feedback_object_signals`).
		WithArgs(anyArgs(8)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	err := s.LinkSignals(context.Background(), "fo-1", []string{"sig-1", "sig-2"}, model.SignalRolePrimary)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
