package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shiftproof/engine/pkg/attendance"
	"github.com/shiftproof/engine/pkg/audit"
	"github.com/shiftproof/engine/pkg/ledger"
	"github.com/shiftproof/engine/pkg/metering"
	"github.com/shiftproof/engine/pkg/settle"
)

// AttendanceService is the attendance surface the handlers call.
type AttendanceService interface {
	ConfirmApplication(ctx context.Context, applicationID, workerID, eventID string, start, end time.Time) (attendance.Attendance, error)
	Get(ctx context.Context, id string) (attendance.Attendance, error)
	CheckIn(ctx context.Context, id string, at time.Time) (attendance.Attendance, error)
	CheckOut(ctx context.Context, id string, at time.Time) (attendance.Attendance, error)
	Cancel(ctx context.Context, id string, at time.Time) (attendance.Attendance, error)
	MarkNoShow(ctx context.Context, id string, at time.Time) (attendance.Attendance, error)
	Proof(ctx context.Context, attendanceID string) (attendance.WorkProof, error)
}

// LedgerService is the shadow-ledger surface the handlers call.
type LedgerService interface {
	Summary(ctx context.Context, workerID string) (ledger.BalanceSummary, error)
	History(ctx context.Context, workerID string) ([]ledger.Entry, error)
	Append(ctx context.Context, workerID string, amount int64, reason ledger.ReasonCode) (ledger.Entry, error)
}

// MilestoneEvaluator triggers one-time bonus evaluation for worker
// lifecycle milestones.
type MilestoneEvaluator interface {
	OnSignup(ctx context.Context, workerID string) error
	OnProfileCompleted(ctx context.Context, workerID string) error
}

// DivergenceLister exposes open ledger divergence reports to operators.
type DivergenceLister interface {
	OpenDivergences(ctx context.Context) ([]settle.Divergence, error)
}

// UsageReader aggregates recorded usage events for operators.
type UsageReader interface {
	GetUsage(ctx context.Context, subjectID string, period metering.Period) (*metering.Usage, error)
	GetUsageByType(ctx context.Context, subjectID string, eventType metering.EventType, period metering.Period) (int64, error)
}

// AuditTrail lists recent audit events for operators.
type AuditTrail interface {
	Recent(ctx context.Context, limit int) ([]audit.Event, error)
}

// Server is the HTTP API of the engine.
type Server struct {
	attendance  AttendanceService
	ledger      LedgerService
	milestones  MilestoneEvaluator
	divergences DivergenceLister
	usage       UsageReader
	trail       AuditTrail
	audit       audit.Logger
	logger      *slog.Logger
}

// NewServer wires the HTTP handlers.
func NewServer(attendanceSvc AttendanceService, ledgerSvc LedgerService, milestones MilestoneEvaluator, divergences DivergenceLister, usage UsageReader, trail AuditTrail, auditLogger audit.Logger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		attendance:  attendanceSvc,
		ledger:      ledgerSvc,
		milestones:  milestones,
		divergences: divergences,
		usage:       usage,
		trail:       trail,
		audit:       auditLogger,
		logger:      logger,
	}
}

// Routes returns the route table. Auth, rate limiting and idempotency are
// layered on by the caller.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /v1/applications/{id}/confirm", s.handleConfirmApplication)
	mux.HandleFunc("GET /v1/attendance/{id}", s.handleGetAttendance)
	mux.HandleFunc("POST /v1/attendance/{id}/check-in", s.handleCheckIn)
	mux.HandleFunc("POST /v1/attendance/{id}/check-out", s.handleCheckOut)
	mux.HandleFunc("POST /v1/attendance/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/attendance/{id}/no-show", requireAdmin(s.handleNoShow))
	mux.HandleFunc("GET /v1/attendance/{id}/proof", s.handleGetProof)

	mux.HandleFunc("GET /v1/workers/{id}/balance", s.handleBalance)
	mux.HandleFunc("GET /v1/workers/{id}/credits", s.handleCredits)
	mux.HandleFunc("POST /v1/workers/{id}/redeem", s.handleRedeem)
	mux.HandleFunc("POST /v1/workers/{id}/milestones", requireAdmin(s.handleMilestone))

	mux.HandleFunc("POST /v1/admin/credits/mint", requireAdmin(s.handleMint))
	mux.HandleFunc("POST /v1/admin/credits/burn", requireAdmin(s.handleBurn))
	mux.HandleFunc("GET /v1/admin/divergences", requireAdmin(s.handleDivergences))
	mux.HandleFunc("GET /v1/admin/usage/{id}", requireAdmin(s.handleUsage))
	mux.HandleFunc("GET /v1/admin/audit", requireAdmin(s.handleAuditTrail))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type confirmApplicationRequest struct {
	WorkerID       string    `json:"worker_id"`
	EventID        string    `json:"event_id"`
	ScheduledStart time.Time `json:"scheduled_start"`
	ScheduledEnd   time.Time `json:"scheduled_end"`
}

func (s *Server) handleConfirmApplication(w http.ResponseWriter, r *http.Request) {
	var req confirmApplicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.WorkerID == "" || req.EventID == "" {
		WriteBadRequest(w, "worker_id and event_id are required")
		return
	}
	if !req.ScheduledEnd.After(req.ScheduledStart) {
		WriteBadRequest(w, "scheduled_end must be after scheduled_start")
		return
	}
	if !canActFor(r, req.WorkerID) {
		WriteForbidden(w, "")
		return
	}

	a, err := s.attendance.ConfirmApplication(r.Context(), r.PathValue("id"),
		req.WorkerID, req.EventID, req.ScheduledStart, req.ScheduledEnd)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetAttendance(w http.ResponseWriter, r *http.Request) {
	a, err := s.attendance.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if !canActFor(r, a.WorkerID) {
		WriteForbidden(w, "")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// timestampRequest carries an optional client-observed timestamp for a
// transition; the server clock is used when absent.
type timestampRequest struct {
	At *time.Time `json:"at,omitempty"`
}

func (t timestampRequest) or(now time.Time) time.Time {
	if t.At != nil {
		return t.At.UTC()
	}
	return now
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.attendance.CheckIn)
}

func (s *Server) handleCheckOut(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.attendance.CheckOut)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.attendance.Cancel)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, time.Time) (attendance.Attendance, error)) {
	id := r.PathValue("id")

	existing, err := s.attendance.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if !canActFor(r, existing.WorkerID) {
		WriteForbidden(w, "")
		return
	}

	var req timestampRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteBadRequest(w, "invalid JSON body")
			return
		}
	}

	a, err := fn(r.Context(), id, req.or(time.Now().UTC()))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleNoShow(w http.ResponseWriter, r *http.Request) {
	var req timestampRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteBadRequest(w, "invalid JSON body")
			return
		}
	}

	a, err := s.attendance.MarkNoShow(r.Context(), r.PathValue("id"), req.or(time.Now().UTC()))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.auditRecord(r, "attendance.no_show", a.ID, map[string]any{"worker_id": a.WorkerID})
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleGetProof(w http.ResponseWriter, r *http.Request) {
	p, err := s.attendance.Proof(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if !canActFor(r, p.WorkerID) {
		WriteForbidden(w, "")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")
	if !canActFor(r, workerID) {
		WriteForbidden(w, "")
		return
	}
	summary, err := s.ledger.Summary(r.Context(), workerID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")
	if !canActFor(r, workerID) {
		WriteForbidden(w, "")
		return
	}
	entries, err := s.ledger.History(r.Context(), workerID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type redeemRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")
	if !canActFor(r, workerID) {
		WriteForbidden(w, "")
		return
	}

	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.Amount <= 0 {
		WriteBadRequest(w, "amount must be positive")
		return
	}

	entry, err := s.ledger.Append(r.Context(), workerID, -req.Amount, ledger.ReasonCertificateRedemption)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.auditRecord(r, "credits.redeem", workerID, map[string]any{"amount": req.Amount, "entry_id": entry.ID})
	writeJSON(w, http.StatusOK, entry)
}

type milestoneRequest struct {
	Milestone string `json:"milestone"`
}

func (s *Server) handleMilestone(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")

	var req milestoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}

	var err error
	switch req.Milestone {
	case "signup":
		err = s.milestones.OnSignup(r.Context(), workerID)
	case "profile_completed":
		err = s.milestones.OnProfileCompleted(r.Context(), workerID)
	default:
		WriteBadRequest(w, "milestone must be one of: signup, profile_completed")
		return
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "evaluated"})
}

type adminCreditRequest struct {
	WorkerID string `json:"worker_id"`
	Amount   int64  `json:"amount"`
	Note     string `json:"note,omitempty"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	s.handleAdminCredit(w, r, ledger.ReasonAdminMint, "credits.mint", +1)
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	s.handleAdminCredit(w, r, ledger.ReasonAdminBurn, "credits.burn", -1)
}

func (s *Server) handleAdminCredit(w http.ResponseWriter, r *http.Request, reason ledger.ReasonCode, action string, sign int64) {
	var req adminCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.WorkerID == "" || req.Amount <= 0 {
		WriteBadRequest(w, "worker_id and a positive amount are required")
		return
	}

	entry, err := s.ledger.Append(r.Context(), req.WorkerID, sign*req.Amount, reason)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.auditRecord(r, action, req.WorkerID, map[string]any{
		"amount": req.Amount, "entry_id": entry.ID, "note": req.Note,
	})
	writeJSON(w, http.StatusOK, entry)
}

// handleUsage reports a subject's metered usage for the current month,
// either the full per-type breakdown or, with ?type=, a single total.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	subjectID := r.PathValue("id")
	period := metering.MonthlyPeriod()

	if et := r.URL.Query().Get("type"); et != "" {
		total, err := s.usage.GetUsageByType(r.Context(), subjectID, metering.EventType(et), period)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"subject_id": subjectID, "event_type": et, "period": period, "total": total,
		})
		return
	}

	usage, err := s.usage.GetUsage(r.Context(), subjectID, period)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			WriteBadRequest(w, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	events, err := s.trail.Recent(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleDivergences(w http.ResponseWriter, r *http.Request) {
	divergences, err := s.divergences.OpenDivergences(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"divergences": divergences})
}

// writeDomainError maps domain errors onto the RFC 7807 response shape:
// unknown resources are 404, illegal state transitions are 409, and
// business-rule rejections such as overdrafts are 422.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, attendance.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, attendance.ErrInvalidTransition):
		WriteErrorR(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance):
		WriteErrorR(w, r, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) auditRecord(r *http.Request, action, resource string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(r.Context(), audit.EventMutation, action, resource, metadata); err != nil {
		s.logger.Warn("audit record failed", "action", action, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
