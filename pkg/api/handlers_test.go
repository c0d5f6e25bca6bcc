package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftproof/engine/pkg/attendance"
	"github.com/shiftproof/engine/pkg/audit"
	"github.com/shiftproof/engine/pkg/auth"
	"github.com/shiftproof/engine/pkg/ledger"
	"github.com/shiftproof/engine/pkg/metering"
	"github.com/shiftproof/engine/pkg/settle"
)

type stubAttendance struct {
	att   attendance.Attendance
	proof attendance.WorkProof
	err   error
}

func (s *stubAttendance) ConfirmApplication(context.Context, string, string, string, time.Time, time.Time) (attendance.Attendance, error) {
	return s.att, s.err
}
func (s *stubAttendance) Get(context.Context, string) (attendance.Attendance, error) {
	if s.err != nil {
		return attendance.Attendance{}, s.err
	}
	return s.att, nil
}
func (s *stubAttendance) CheckIn(context.Context, string, time.Time) (attendance.Attendance, error) {
	return s.att, s.err
}
func (s *stubAttendance) CheckOut(context.Context, string, time.Time) (attendance.Attendance, error) {
	return s.att, s.err
}
func (s *stubAttendance) Cancel(context.Context, string, time.Time) (attendance.Attendance, error) {
	return s.att, s.err
}
func (s *stubAttendance) MarkNoShow(context.Context, string, time.Time) (attendance.Attendance, error) {
	return s.att, s.err
}
func (s *stubAttendance) Proof(context.Context, string) (attendance.WorkProof, error) {
	return s.proof, s.err
}

type stubLedger struct {
	summary ledger.BalanceSummary
	entries []ledger.Entry
	entry   ledger.Entry
	err     error

	appended []int64
}

func (s *stubLedger) Summary(context.Context, string) (ledger.BalanceSummary, error) {
	return s.summary, s.err
}
func (s *stubLedger) History(context.Context, string) ([]ledger.Entry, error) {
	return s.entries, s.err
}
func (s *stubLedger) Append(_ context.Context, _ string, amount int64, _ ledger.ReasonCode) (ledger.Entry, error) {
	if s.err != nil {
		return ledger.Entry{}, s.err
	}
	s.appended = append(s.appended, amount)
	return s.entry, nil
}

type stubMilestones struct{ signups, profiles int }

func (s *stubMilestones) OnSignup(context.Context, string) error { s.signups++; return nil }
func (s *stubMilestones) OnProfileCompleted(context.Context, string) error {
	s.profiles++
	return nil
}

type stubDivergences struct{ items []settle.Divergence }

func (s *stubDivergences) OpenDivergences(context.Context) ([]settle.Divergence, error) {
	return s.items, nil
}

type stubUsage struct{ totals map[metering.EventType]int64 }

func (s *stubUsage) GetUsage(_ context.Context, subjectID string, period metering.Period) (*metering.Usage, error) {
	return &metering.Usage{SubjectID: subjectID, Period: period, Totals: s.totals}, nil
}
func (s *stubUsage) GetUsageByType(_ context.Context, _ string, et metering.EventType, _ metering.Period) (int64, error) {
	return s.totals[et], nil
}

type stubTrail struct{ events []audit.Event }

func (s *stubTrail) Recent(_ context.Context, limit int) ([]audit.Event, error) {
	if limit < len(s.events) {
		return s.events[:limit], nil
	}
	return s.events, nil
}

var testValidator = auth.NewJWTValidator([]byte("test-secret"))

func newTestHandler(t *testing.T, att *stubAttendance, led *stubLedger) (http.Handler, *stubMilestones, *stubDivergences) {
	t.Helper()
	if att == nil {
		att = &stubAttendance{}
	}
	if led == nil {
		led = &stubLedger{}
	}
	milestones := &stubMilestones{}
	divergences := &stubDivergences{}
	usage := &stubUsage{totals: map[metering.EventType]int64{metering.EventCheckIn: 3}}
	trail := &stubTrail{events: []audit.Event{{ID: "ae-1", ActorID: "ops-1", Action: "credits.mint"}}}
	server := NewServer(att, led, milestones, divergences, usage, trail, nil, nil)
	return AuthMiddleware(testValidator)(server.Routes()), milestones, divergences
}

func bearer(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	token, err := testValidator.Sign(subject, roles, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func doRequest(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	h, _, _ := newTestHandler(t, nil, nil)
	rec := doRequest(t, h, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	h, _, _ := newTestHandler(t, nil, nil)
	rec := doRequest(t, h, http.MethodGet, "/v1/attendance/att-1", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestCheckInReturnsAttendance(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 5, 0, 0, time.UTC)
	att := &stubAttendance{att: attendance.Attendance{
		ID: "att-1", WorkerID: "wkr-1", Status: attendance.StatusCheckedIn,
		CheckInAt: &at, LateMinutes: 5,
	}}
	h, _, _ := newTestHandler(t, att, nil)

	rec := doRequest(t, h, http.MethodPost, "/v1/attendance/att-1/check-in",
		bearer(t, "wkr-1"), `{"at":"2025-03-01T09:05:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var got attendance.Attendance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, attendance.StatusCheckedIn, got.Status)
	assert.Equal(t, 5, got.LateMinutes)
}

func TestWorkerCannotTouchOthersAttendance(t *testing.T) {
	att := &stubAttendance{att: attendance.Attendance{ID: "att-1", WorkerID: "wkr-1"}}
	h, _, _ := newTestHandler(t, att, nil)

	rec := doRequest(t, h, http.MethodPost, "/v1/attendance/att-1/check-in",
		bearer(t, "wkr-2"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestInvalidTransitionIsConflict(t *testing.T) {
	att := &stubAttendance{err: attendance.ErrInvalidTransition}
	h, _, _ := newTestHandler(t, att, nil)

	rec := doRequest(t, h, http.MethodPost, "/v1/attendance/att-1/check-out",
		bearer(t, "wkr-1"), "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUnknownAttendanceIsNotFound(t *testing.T) {
	att := &stubAttendance{err: attendance.ErrNotFound}
	h, _, _ := newTestHandler(t, att, nil)

	rec := doRequest(t, h, http.MethodGet, "/v1/attendance/nope", bearer(t, "wkr-1"), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, http.StatusNotFound, problem.Status)
	assert.Equal(t, "/v1/attendance/nope", problem.Instance)
}

func TestNoShowRequiresAdmin(t *testing.T) {
	att := &stubAttendance{att: attendance.Attendance{ID: "att-1", WorkerID: "wkr-1", Status: attendance.StatusNoShow}}
	h, _, _ := newTestHandler(t, att, nil)

	rec := doRequest(t, h, http.MethodPost, "/v1/attendance/att-1/no-show", bearer(t, "wkr-1"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/v1/attendance/att-1/no-show", bearer(t, "ops-1", "admin"), "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConfirmApplicationValidatesSchedule(t *testing.T) {
	h, _, _ := newTestHandler(t, nil, nil)

	rec := doRequest(t, h, http.MethodPost, "/v1/applications/app-1/confirm", bearer(t, "wkr-1"),
		`{"worker_id":"wkr-1","event_id":"evt-1","scheduled_start":"2025-03-01T17:00:00Z","scheduled_end":"2025-03-01T09:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRedeemMapsOverdraftTo422(t *testing.T) {
	led := &stubLedger{err: ledger.ErrInsufficientBalance}
	h, _, _ := newTestHandler(t, nil, led)

	rec := doRequest(t, h, http.MethodPost, "/v1/workers/wkr-1/redeem",
		bearer(t, "wkr-1"), `{"amount":500}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRedeemAppendsNegativeAmount(t *testing.T) {
	led := &stubLedger{entry: ledger.Entry{ID: "ce-1", Amount: -200, BalanceAfter: 300}}
	h, _, _ := newTestHandler(t, nil, led)

	rec := doRequest(t, h, http.MethodPost, "/v1/workers/wkr-1/redeem",
		bearer(t, "wkr-1"), `{"amount":200}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{-200}, led.appended)
}

func TestAdminMintAndBurn(t *testing.T) {
	led := &stubLedger{entry: ledger.Entry{ID: "ce-1"}}
	h, _, _ := newTestHandler(t, nil, led)

	rec := doRequest(t, h, http.MethodPost, "/v1/admin/credits/mint",
		bearer(t, "ops-1", "admin"), `{"worker_id":"wkr-1","amount":100}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/v1/admin/credits/burn",
		bearer(t, "ops-1", "admin"), `{"worker_id":"wkr-1","amount":40}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []int64{100, -40}, led.appended)

	// Non-admin tokens are rejected outright.
	rec = doRequest(t, h, http.MethodPost, "/v1/admin/credits/mint",
		bearer(t, "wkr-1"), `{"worker_id":"wkr-1","amount":100}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMilestoneDispatch(t *testing.T) {
	h, milestones, _ := newTestHandler(t, nil, nil)

	rec := doRequest(t, h, http.MethodPost, "/v1/workers/wkr-1/milestones",
		bearer(t, "ops-1", "admin"), `{"milestone":"signup"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/v1/workers/wkr-1/milestones",
		bearer(t, "ops-1", "admin"), `{"milestone":"profile_completed"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, 1, milestones.signups)
	assert.Equal(t, 1, milestones.profiles)

	rec = doRequest(t, h, http.MethodPost, "/v1/workers/wkr-1/milestones",
		bearer(t, "ops-1", "admin"), `{"milestone":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBalanceIsScopedToWorker(t *testing.T) {
	led := &stubLedger{summary: ledger.BalanceSummary{WorkerID: "wkr-1", ShadowBalance: 430, FullySettled: true}}
	h, _, _ := newTestHandler(t, nil, led)

	rec := doRequest(t, h, http.MethodGet, "/v1/workers/wkr-1/balance", bearer(t, "wkr-1"), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var summary ledger.BalanceSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, int64(430), summary.ShadowBalance)
	assert.True(t, summary.FullySettled)

	rec = doRequest(t, h, http.MethodGet, "/v1/workers/wkr-1/balance", bearer(t, "wkr-2"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Admins may view any worker.
	rec = doRequest(t, h, http.MethodGet, "/v1/workers/wkr-1/balance", bearer(t, "ops-1", "admin"), "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUsageReportIsAdminOnly(t *testing.T) {
	h, _, _ := newTestHandler(t, nil, nil)

	rec := doRequest(t, h, http.MethodGet, "/v1/admin/usage/wkr-1", bearer(t, "wkr-1"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/v1/admin/usage/wkr-1", bearer(t, "ops-1", "admin"), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var usage metering.Usage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Equal(t, "wkr-1", usage.SubjectID)
	assert.Equal(t, int64(3), usage.Totals[metering.EventCheckIn])
}

func TestUsageReportByType(t *testing.T) {
	h, _, _ := newTestHandler(t, nil, nil)

	rec := doRequest(t, h, http.MethodGet, "/v1/admin/usage/wkr-1?type=check_in",
		bearer(t, "ops-1", "admin"), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Total int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(3), body.Total)
}

func TestAuditTrailListing(t *testing.T) {
	h, _, _ := newTestHandler(t, nil, nil)

	rec := doRequest(t, h, http.MethodGet, "/v1/admin/audit", bearer(t, "wkr-1"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/v1/admin/audit", bearer(t, "ops-1", "admin"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "credits.mint")

	rec = doRequest(t, h, http.MethodGet, "/v1/admin/audit?limit=0", bearer(t, "ops-1", "admin"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDivergenceListIsAdminOnly(t *testing.T) {
	h, _, divergences := newTestHandler(t, nil, nil)
	divergences.items = []settle.Divergence{{WorkerID: "wkr-1", ShadowBalance: 100, ExternalBalance: 80}}

	rec := doRequest(t, h, http.MethodGet, "/v1/admin/divergences", bearer(t, "wkr-1"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/v1/admin/divergences", bearer(t, "ops-1", "admin"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wkr-1")
}
