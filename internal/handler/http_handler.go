package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-ap-payments/internal/auth"
	"github.com/pesio-ai/be-ap-payments/internal/platform/errors"
	"github.com/pesio-ai/be-ap-payments/internal/platform/logger"
	"github.com/pesio-ai/be-ap-payments/internal/repository"
	"github.com/pesio-ai/be-ap-payments/internal/service"
)

// HTTPObserver receives one observation per served request.
type HTTPObserver interface {
	ObserveHTTP(method, route string, status int, elapsed time.Duration)
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	payments *service.PaymentService
	workflow *service.ApprovalWorkflowService
	tickets  *service.TicketWorkflowService
	authn    auth.Authenticator
	observer HTTPObserver
	log      *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler. observer may be nil.
func NewHTTPHandler(
	payments *service.PaymentService,
	workflow *service.ApprovalWorkflowService,
	tickets *service.TicketWorkflowService,
	authn auth.Authenticator,
	observer HTTPObserver,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		payments: payments,
		workflow: workflow,
		tickets:  tickets,
		authn:    authn,
		observer: observer,
		log:      log,
	}
}

// Register mounts the authenticated API under /api/v1.
func (h *HTTPHandler) Register(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(h.instrument, h.authenticate)

	api.HandleFunc("/payments", h.CreatePayment).Methods(http.MethodPost)
	api.HandleFunc("/payments", h.ListPayments).Methods(http.MethodGet)
	api.HandleFunc("/payments/pending", h.PendingPayments).Methods(http.MethodGet)
	api.HandleFunc("/payments/{id:[0-9]+}", h.GetPayment).Methods(http.MethodGet)
	api.HandleFunc("/payments/{id:[0-9]+}", h.UpdatePayment).Methods(http.MethodPut)
	api.HandleFunc("/payments/{id:[0-9]+}", h.DeletePayment).Methods(http.MethodDelete)
	api.HandleFunc("/payments/{id:[0-9]+}/submit", h.SubmitPayment).Methods(http.MethodPost)
	api.HandleFunc("/payments/{id:[0-9]+}/decision", h.DecidePayment).Methods(http.MethodPost)
	api.HandleFunc("/payments/{id:[0-9]+}/approve", h.decideWith(service.ActionApprove)).Methods(http.MethodPost)
	api.HandleFunc("/payments/{id:[0-9]+}/reject", h.decideWith(service.ActionReject)).Methods(http.MethodPost)
	api.HandleFunc("/payments/{id:[0-9]+}/mark-paid", h.MarkPaymentPaid).Methods(http.MethodPost)
	api.HandleFunc("/payments/{id:[0-9]+}/history", h.PaymentHistory).Methods(http.MethodGet)

	api.HandleFunc("/approvals/recent", h.RecentApprovals).Methods(http.MethodGet)

	api.HandleFunc("/tickets", h.CreateTicket).Methods(http.MethodPost)
	api.HandleFunc("/tickets/{id:[0-9]+}", h.GetTicket).Methods(http.MethodGet)
	api.HandleFunc("/tickets/{id:[0-9]+}/submit", h.SubmitTicket).Methods(http.MethodPost)
	api.HandleFunc("/tickets/{id:[0-9]+}/decision", h.DecideTicket).Methods(http.MethodPost)
	api.HandleFunc("/tickets/{id:[0-9]+}/history", h.TicketHistory).Methods(http.MethodGet)
}

// ── Middleware ────────────────────────────────────────────────────────────────

// authenticate resolves the bearer token into a Principal for the request.
func (h *HTTPHandler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			h.writeError(w, r, errors.Unauthenticated("missing Authorization header"))
			return
		}
		p, err := h.authn.Authenticate(r.Context(), token)
		if err != nil {
			h.log.Debug().Err(err).Str("path", r.URL.Path).Msg("authentication failed")
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument reports requests by route template rather than raw path.
func (h *HTTPHandler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.observer == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		h.observer.ObserveHTTP(r.Method, route, sw.status, time.Since(start))
	})
}

// ── Payments ──────────────────────────────────────────────────────────────────

// CreatePayment handles create payment HTTP requests
func (h *HTTPHandler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req service.PaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.payments.Create(r.Context(), principal(r), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toPaymentView(p))
}

// GetPayment handles get payment HTTP requests
func (h *HTTPHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	p, err := h.payments.Get(r.Context(), principal(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toPaymentView(p))
}

// ListPayments handles list payments HTTP requests
func (h *HTTPHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := service.ListPaymentsRequest{}

	if s := q.Get("status"); s != "" {
		status := repository.PaymentStatus(s)
		req.Status = &status
	}
	for param, dst := range map[string]**int64{"created_by": &req.CreatedBy, "service_id": &req.ServiceID} {
		if v := q.Get(param); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				h.writeError(w, r, errors.InvalidInput(param, "must be an integer"))
				return
			}
			*dst = &n
		}
	}
	var ok bool
	if req.Page, ok = h.queryInt(w, r, "page"); !ok {
		return
	}
	if req.PageSize, ok = h.queryInt(w, r, "page_size"); !ok {
		return
	}

	payments, total, err := h.payments.List(r.Context(), principal(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	views := make([]paymentView, 0, len(payments))
	for _, p := range payments {
		views = append(views, toPaymentView(p))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"payments":  views,
		"total":     total,
		"page":      max(req.Page, 1),
		"page_size": req.PageSize,
	})
}

// UpdatePayment handles draft edits
func (h *HTTPHandler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req service.PaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.payments.Update(r.Context(), principal(r), id, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toPaymentView(p))
}

// DeletePayment handles draft deletion
func (h *HTTPHandler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.payments.Delete(r.Context(), principal(r), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PendingPayments lists the payments waiting on the caller.
func (h *HTTPHandler) PendingPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.workflow.PendingFor(r.Context(), principal(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	views := make([]paymentView, 0, len(payments))
	for _, p := range payments {
		views = append(views, toPaymentView(p))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"payments": views})
}

// ── Workflow ──────────────────────────────────────────────────────────────────

type decisionRequest struct {
	Action  string  `json:"action"`
	Comment *string `json:"comment"`
}

type commentRequest struct {
	Comment *string `json:"comment"`
}

// SubmitPayment handles submit HTTP requests
func (h *HTTPHandler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.workflow.Submit(r.Context(), principal(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toPaymentView(p))
}

// DecidePayment handles {"action": "approve"|"reject", "comment": "..."}.
func (h *HTTPHandler) DecidePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.workflow.Decide(r.Context(), principal(r), id, service.Action(strings.ToLower(req.Action)), req.Comment)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toPaymentView(p))
}

func (h *HTTPHandler) decideWith(action service.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.pathID(w, r)
		if !ok {
			return
		}
		var req commentRequest
		if !h.decodeOptional(w, r, &req) {
			return
		}

		p, err := h.workflow.Decide(r.Context(), principal(r), id, action, req.Comment)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, toPaymentView(p))
	}
}

// MarkPaymentPaid handles mark-as-paid HTTP requests
func (h *HTTPHandler) MarkPaymentPaid(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req commentRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	p, err := h.workflow.MarkAsPaid(r.Context(), principal(r), id, req.Comment)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toPaymentView(p))
}

// PaymentHistory returns the approval records of a payment, newest first.
func (h *HTTPHandler) PaymentHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	records, err := h.workflow.History(r.Context(), principal(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"history": toRecordViews(records)})
}

// RecentApprovals returns the newest approval records across payments.
func (h *HTTPHandler) RecentApprovals(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.queryInt(w, r, "limit")
	if !ok {
		return
	}
	records, err := h.workflow.RecentActivity(r.Context(), principal(r), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"records": toRecordViews(records)})
}

// ── Tickets ───────────────────────────────────────────────────────────────────

// CreateTicket handles create ticket HTTP requests
func (h *HTTPHandler) CreateTicket(w http.ResponseWriter, r *http.Request) {
	var req service.CreateTicketRequest
	if !h.decode(w, r, &req) {
		return
	}
	t, err := h.tickets.Create(r.Context(), principal(r), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toTicketView(t))
}

// GetTicket handles get ticket HTTP requests
func (h *HTTPHandler) GetTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	t, err := h.tickets.Get(r.Context(), principal(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toTicketView(t))
}

// SubmitTicket handles ticket submission
func (h *HTTPHandler) SubmitTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	t, err := h.tickets.Submit(r.Context(), principal(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toTicketView(t))
}

// DecideTicket records one approver's vote
func (h *HTTPHandler) DecideTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	t, err := h.tickets.Decide(r.Context(), principal(r), id, service.Action(strings.ToLower(req.Action)), req.Comment)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toTicketView(t))
}

// TicketHistory returns a ticket's records, newest first.
func (h *HTTPHandler) TicketHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	records, err := h.tickets.History(r.Context(), principal(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	views := make([]ticketRecordView, 0, len(records))
	for _, rec := range records {
		views = append(views, ticketRecordView{
			ID:         rec.ID,
			ApproverID: rec.ApproverID,
			Action:     string(rec.Action),
			Comment:    rec.Comment,
			CreatedAt:  rec.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"history": views})
}

// ── Views ─────────────────────────────────────────────────────────────────────

type paymentView struct {
	ID            int64           `json:"id"`
	Amount        decimal.Decimal `json:"amount"`
	Description   *string         `json:"description,omitempty"`
	CategoryID    *int64          `json:"category_id,omitempty"`
	LegalEntityID *int64          `json:"legal_entity_id,omitempty"`
	ContractorID  *int64          `json:"contractor_id,omitempty"`
	DepartmentID  *int64          `json:"department_id,omitempty"`
	ServiceID     *int64          `json:"service_id,omitempty"`
	Status        string          `json:"status"`
	CreatedBy     int64           `json:"created_by"`

	IntermediateApproverID *int64     `json:"intermediate_approver_id"`
	IntermediateApprovedAt *time.Time `json:"intermediate_approved_at"`
	IntermediateComment    *string    `json:"intermediate_comment"`
	FinalApproverID        *int64     `json:"final_approver_id"`
	FinalApprovedAt        *time.Time `json:"final_approved_at"`
	FinalComment           *string    `json:"final_comment"`

	SubmittedAt   *time.Time `json:"submitted_at"`
	PaidAt        *time.Time `json:"paid_at"`
	InvoiceNumber *string    `json:"invoice_number,omitempty"`
	InvoiceDate   *string    `json:"invoice_date,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func toPaymentView(p *repository.Payment) paymentView {
	v := paymentView{
		ID:                     p.ID,
		Amount:                 p.Amount,
		Description:            p.Description,
		CategoryID:             p.CategoryID,
		LegalEntityID:          p.LegalEntityID,
		ContractorID:           p.ContractorID,
		DepartmentID:           p.DepartmentID,
		ServiceID:              p.ServiceID,
		Status:                 string(p.Status.Normalize()),
		CreatedBy:              p.CreatedBy,
		IntermediateApproverID: p.IntermediateApproverID,
		IntermediateApprovedAt: p.IntermediateApprovedAt,
		IntermediateComment:    p.IntermediateComment,
		FinalApproverID:        p.FinalApproverID,
		FinalApprovedAt:        p.FinalApprovedAt,
		FinalComment:           p.FinalComment,
		SubmittedAt:            p.SubmittedAt,
		PaidAt:                 p.PaidAt,
		InvoiceNumber:          p.InvoiceNumber,
		CreatedAt:              p.CreatedAt,
		UpdatedAt:              p.UpdatedAt,
	}
	if p.InvoiceDate != nil {
		d := p.InvoiceDate.Format("2006-01-02")
		v.InvoiceDate = &d
	}
	return v
}

type recordView struct {
	ID           int64     `json:"id"`
	PaymentID    int64     `json:"payment_id"`
	ApproverID   int64     `json:"approver_id"`
	ApproverRole string    `json:"approver_role"`
	Action       string    `json:"action"`
	Comment      *string   `json:"comment"`
	CreatedAt    time.Time `json:"created_at"`
}

func toRecordViews(records []*repository.ApprovalRecord) []recordView {
	out := make([]recordView, 0, len(records))
	for _, rec := range records {
		out = append(out, recordView{
			ID:           rec.ID,
			PaymentID:    rec.PaymentID,
			ApproverID:   rec.ApproverID,
			ApproverRole: rec.ApproverRole,
			Action:       string(rec.Action),
			Comment:      rec.Comment,
			CreatedAt:    rec.CreatedAt,
		})
	}
	return out
}

type ticketApproverView struct {
	UserID    int64      `json:"user_id"`
	Decision  string     `json:"decision"`
	DecidedAt *time.Time `json:"decided_at"`
	Comment   *string    `json:"comment"`
}

type ticketView struct {
	ID          int64                `json:"id"`
	Title       string               `json:"title"`
	Description *string              `json:"description,omitempty"`
	Status      string               `json:"status"`
	CreatedBy   int64                `json:"created_by"`
	SubmittedAt *time.Time           `json:"submitted_at"`
	ResolvedAt  *time.Time           `json:"resolved_at"`
	Approvers   []ticketApproverView `json:"approvers"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

type ticketRecordView struct {
	ID         int64     `json:"id"`
	ApproverID int64     `json:"approver_id"`
	Action     string    `json:"action"`
	Comment    *string   `json:"comment"`
	CreatedAt  time.Time `json:"created_at"`
}

func toTicketView(t *repository.Ticket) ticketView {
	v := ticketView{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		CreatedBy:   t.CreatedBy,
		SubmittedAt: t.SubmittedAt,
		ResolvedAt:  t.ResolvedAt,
		Approvers:   make([]ticketApproverView, 0, len(t.Approvers)),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	for _, a := range t.Approvers {
		v.Approvers = append(v.Approvers, ticketApproverView{
			UserID:    a.UserID,
			Decision:  string(a.Decision),
			DecidedAt: a.DecidedAt,
			Comment:   a.Comment,
		})
	}
	return v
}

// ── Helpers ───────────────────────────────────────────────────────────────────

type errorBody struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
}

func principal(r *http.Request) *auth.Principal {
	p, _ := auth.PrincipalFrom(r.Context())
	return p
}

func (h *HTTPHandler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, r, errors.InvalidInput("id", "id must be a positive integer"))
		return 0, false
	}
	return id, true
}

// queryInt reads an optional integer query parameter; absent means 0.
func (h *HTTPHandler) queryInt(w http.ResponseWriter, r *http.Request, param string) (int, bool) {
	v := r.URL.Query().Get(param)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		h.writeError(w, r, errors.InvalidInput(param, "must be an integer"))
		return 0, false
	}
	return n, true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (h *HTTPHandler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	return h.decode(w, r, dst)
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("failed to encode response")
	}
}

// writeError is the only place workflow errors become HTTP statuses.
func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := errors.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		h.log.Error().Stack().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}

	body := errorBody{Code: code, Message: errors.PublicMessage(err)}
	if e, ok := errors.As(err); ok && code != errors.ErrCodeInternal {
		body.Field = e.Field
	}
	h.writeJSON(w, status, body)
}
