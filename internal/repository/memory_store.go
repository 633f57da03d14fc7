package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-ap-payments/internal/platform/errors"
)

// MemoryStore is a Store kept in process memory. Transactions are serialized
// and run against a copy of the state that replaces the live state only on
// commit. It backs STORE_DRIVER=memory and the service tests.
type MemoryStore struct {
	mu  sync.Mutex
	st  *memState
	now func() time.Time
}

type memState struct {
	payments      map[int64]*Payment
	services      map[int64]*Service
	records       []*ApprovalRecord
	tickets       map[int64]*Ticket
	ticketRecords []*TicketApprovalRecord

	userRoles map[int64][]string
	rolePerms map[string][]string

	nextPaymentID      int64
	nextRecordID       int64
	nextTicketID       int64
	nextTicketRecordID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		st: &memState{
			payments:  make(map[int64]*Payment),
			services:  make(map[int64]*Service),
			tickets:   make(map[int64]*Ticket),
			userRoles: make(map[int64][]string),
			rolePerms: make(map[string][]string),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *memState) clone() *memState {
	c := *s
	c.payments = make(map[int64]*Payment, len(s.payments))
	for id, p := range s.payments {
		c.payments[id] = p.Clone()
	}
	c.services = make(map[int64]*Service, len(s.services))
	for id, svc := range s.services {
		cp := *svc
		c.services[id] = &cp
	}
	c.tickets = make(map[int64]*Ticket, len(s.tickets))
	for id, t := range s.tickets {
		c.tickets[id] = t.Clone()
	}
	// Records are never mutated after append, so sharing them is safe.
	c.records = append([]*ApprovalRecord(nil), s.records...)
	c.ticketRecords = append([]*TicketApprovalRecord(nil), s.ticketRecords...)
	return &c
}

// ── seeding ──────────────────────────────────────────────────────────────────

// PutService inserts or replaces a service.
func (m *MemoryStore) PutService(svc Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.services[svc.ID] = &svc
}

// PutUserRoles replaces the roles held by userID.
func (m *MemoryStore) PutUserRoles(userID int64, roles ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.userRoles[userID] = append([]string(nil), roles...)
}

// PutRolePermissions replaces the permissions granted by role.
func (m *MemoryStore) PutRolePermissions(role string, perms ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.rolePerms[role] = append([]string(nil), perms...)
}

// RolesAndPermissions implements auth.RoleSource.
func (m *MemoryStore) RolesAndPermissions(_ context.Context, userID int64) ([]string, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	roles := append([]string(nil), m.st.userRoles[userID]...)
	seen := make(map[string]struct{})
	var perms []string
	for _, r := range roles {
		for _, p := range m.st.rolePerms[r] {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			perms = append(perms, p)
		}
	}
	sort.Strings(roles)
	sort.Strings(perms)
	return roles, perms, nil
}

// ── Store ────────────────────────────────────────────────────────────────────

func (m *MemoryStore) Payments() PaymentStore         { return memPayments{m.view()} }
func (m *MemoryStore) Services() ServiceStore         { return memServices{m.view()} }
func (m *MemoryStore) Approvals() ApprovalRecordStore { return memApprovals{m.view()} }
func (m *MemoryStore) Tickets() TicketStore           { return memTickets{m.view()} }

func (m *MemoryStore) view() *memView { return &memView{store: m} }

// InTransaction runs fn on a private copy of the state. The copy becomes the
// live state only when fn returns nil.
func (m *MemoryStore) InTransaction(ctx context.Context, fn func(tx Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.st.clone()
	if err := fn(&memView{store: m, tx: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.st = work
	return nil
}

// memView binds the repositories either to a transaction copy or, outside a
// transaction, to the live state with autocommit per call.
type memView struct {
	store *MemoryStore
	tx    *memState
}

func (v *memView) Payments() PaymentStore         { return memPayments{v} }
func (v *memView) Services() ServiceStore         { return memServices{v} }
func (v *memView) Approvals() ApprovalRecordStore { return memApprovals{v} }
func (v *memView) Tickets() TicketStore           { return memTickets{v} }

// begin returns the state to operate on and a finisher. Outside a transaction
// writes go to a copy that is published when finish is called with true.
func (v *memView) begin(write bool) (*memState, func(commit bool)) {
	if v.tx != nil {
		return v.tx, func(bool) {}
	}
	m := v.store
	m.mu.Lock()
	if !write {
		return m.st, func(bool) { m.mu.Unlock() }
	}
	work := m.st.clone()
	return work, func(commit bool) {
		if commit {
			m.st = work
		}
		m.mu.Unlock()
	}
}

func (v *memView) now() time.Time { return v.store.now() }

// ── payments ─────────────────────────────────────────────────────────────────

type memPayments struct{ v *memView }

func (r memPayments) GetByID(_ context.Context, id int64) (*Payment, error) {
	st, finish := r.v.begin(false)
	defer finish(false)

	p, ok := st.payments[id]
	if !ok {
		return nil, errors.NotFound("payment", id)
	}
	return p.Clone(), nil
}

func (r memPayments) GetForUpdate(ctx context.Context, id int64) (*Payment, error) {
	return r.GetByID(ctx, id)
}

func (r memPayments) List(_ context.Context, f PaymentFilter) ([]*Payment, int64, error) {
	st, finish := r.v.begin(false)
	defer finish(false)

	matched := make([]*Payment, 0)
	for _, p := range st.payments {
		if f.Status != nil && p.Status.Normalize() != f.Status.Normalize() {
			continue
		}
		if f.CreatedBy != nil && p.CreatedBy != *f.CreatedBy {
			continue
		}
		if f.ServiceID != nil && (p.ServiceID == nil || *p.ServiceID != *f.ServiceID) {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := int64(len(matched))
	start := min(max(f.Offset, 0), len(matched))
	end := len(matched)
	if f.Limit > 0 {
		end = min(start+f.Limit, end)
	}

	out := make([]*Payment, 0, end-start)
	for _, p := range matched[start:end] {
		out = append(out, p.Clone())
	}
	return out, total, nil
}

func (r memPayments) ListPendingFor(_ context.Context, userID int64) ([]*Payment, error) {
	st, finish := r.v.begin(false)
	defer finish(false)

	out := make([]*Payment, 0)
	for _, p := range st.payments {
		if p.ServiceID == nil {
			continue
		}
		svc, ok := st.services[*p.ServiceID]
		if !ok {
			continue
		}
		var slot *int64
		switch p.Status.Normalize() {
		case PaymentStatusPendingIntermediate:
			slot = svc.IntermediateApproverID
		case PaymentStatusPendingFinal:
			slot = svc.FinalApproverID
		}
		if slot != nil && *slot == userID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].SubmittedAt, out[j].SubmittedAt
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r memPayments) Create(_ context.Context, p *Payment) error {
	st, finish := r.v.begin(true)
	defer finish(true)

	st.nextPaymentID++
	now := r.v.now()
	p.ID = st.nextPaymentID
	p.CreatedAt = now
	p.UpdatedAt = now
	st.payments[p.ID] = p.Clone()
	return nil
}

func (r memPayments) UpdateDetails(_ context.Context, p *Payment) (err error) {
	st, finish := r.v.begin(true)
	defer func() { finish(err == nil) }()

	cur, ok := st.payments[p.ID]
	if !ok || cur.Status.Normalize() != PaymentStatusDraft {
		return ErrStaleStatus
	}
	cur.Amount = p.Amount
	cur.Description = p.Description
	cur.CategoryID = p.CategoryID
	cur.LegalEntityID = p.LegalEntityID
	cur.ContractorID = p.ContractorID
	cur.DepartmentID = p.DepartmentID
	cur.ServiceID = p.ServiceID
	cur.InvoiceNumber = p.InvoiceNumber
	cur.InvoiceDate = p.InvoiceDate
	cur.UpdatedAt = r.v.now()
	p.UpdatedAt = cur.UpdatedAt
	return nil
}

func (r memPayments) UpdateWorkflow(_ context.Context, p *Payment, from PaymentStatus) (err error) {
	st, finish := r.v.begin(true)
	defer func() { finish(err == nil) }()

	cur, ok := st.payments[p.ID]
	if !ok || cur.Status.Normalize() != from.Normalize() {
		return ErrStaleStatus
	}
	cur.Status = p.Status
	cur.IntermediateApproverID = p.IntermediateApproverID
	cur.IntermediateApprovedAt = p.IntermediateApprovedAt
	cur.IntermediateComment = p.IntermediateComment
	cur.FinalApproverID = p.FinalApproverID
	cur.FinalApprovedAt = p.FinalApprovedAt
	cur.FinalComment = p.FinalComment
	if cur.SubmittedAt == nil {
		cur.SubmittedAt = p.SubmittedAt
	}
	cur.PaidAt = p.PaidAt
	cur.UpdatedAt = r.v.now()

	p.SubmittedAt = cur.SubmittedAt
	p.UpdatedAt = cur.UpdatedAt
	return nil
}

func (r memPayments) Delete(_ context.Context, id int64) (err error) {
	st, finish := r.v.begin(true)
	defer func() { finish(err == nil) }()

	cur, ok := st.payments[id]
	if !ok || cur.Status.Normalize() != PaymentStatusDraft {
		return ErrStaleStatus
	}
	for _, rec := range st.records {
		if rec.PaymentID == id {
			return errors.New(errors.ErrCodeInternal, "payment has approval records")
		}
	}
	delete(st.payments, id)
	return nil
}

// ── services ─────────────────────────────────────────────────────────────────

type memServices struct{ v *memView }

func (r memServices) GetByID(_ context.Context, id int64) (*Service, error) {
	st, finish := r.v.begin(false)
	defer finish(false)

	svc, ok := st.services[id]
	if !ok {
		return nil, errors.NotFound("service", id)
	}
	cp := *svc
	return &cp, nil
}

// ── approval records ─────────────────────────────────────────────────────────

type memApprovals struct{ v *memView }

func (r memApprovals) Append(_ context.Context, rec *ApprovalRecord) error {
	st, finish := r.v.begin(true)
	defer finish(true)

	if _, ok := st.payments[rec.PaymentID]; !ok {
		return errors.NotFound("payment", rec.PaymentID)
	}
	st.nextRecordID++
	rec.ID = st.nextRecordID
	rec.CreatedAt = r.v.now()
	cp := *rec
	st.records = append(st.records, &cp)
	return nil
}

func (r memApprovals) ListByPayment(_ context.Context, paymentID int64) ([]*ApprovalRecord, error) {
	st, finish := r.v.begin(false)
	defer finish(false)

	out := make([]*ApprovalRecord, 0)
	for i := len(st.records) - 1; i >= 0; i-- {
		if st.records[i].PaymentID == paymentID {
			cp := *st.records[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r memApprovals) ListRecent(_ context.Context, limit int) ([]*ApprovalRecord, error) {
	st, finish := r.v.begin(false)
	defer finish(false)

	if limit <= 0 {
		return []*ApprovalRecord{}, nil
	}
	out := make([]*ApprovalRecord, 0, min(limit, len(st.records)))
	for i := len(st.records) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *st.records[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (r memApprovals) CountByPayment(_ context.Context, paymentID int64) (int, error) {
	st, finish := r.v.begin(false)
	defer finish(false)

	n := 0
	for _, rec := range st.records {
		if rec.PaymentID == paymentID {
			n++
		}
	}
	return n, nil
}

// ── tickets ──────────────────────────────────────────────────────────────────

type memTickets struct{ v *memView }

func (r memTickets) GetByID(_ context.Context, id int64) (*Ticket, error) {
	st, finish := r.v.begin(false)
	defer finish(false)

	t, ok := st.tickets[id]
	if !ok {
		return nil, errors.NotFound("ticket", id)
	}
	return t.Clone(), nil
}

func (r memTickets) GetForUpdate(ctx context.Context, id int64) (*Ticket, error) {
	return r.GetByID(ctx, id)
}

func (r memTickets) Create(_ context.Context, t *Ticket) error {
	st, finish := r.v.begin(true)
	defer finish(true)

	st.nextTicketID++
	now := r.v.now()
	t.ID = st.nextTicketID
	t.CreatedAt = now
	t.UpdatedAt = now
	for i := range t.Approvers {
		if t.Approvers[i].Decision == "" {
			t.Approvers[i].Decision = DecisionPending
		}
	}
	st.tickets[t.ID] = t.Clone()
	return nil
}

func (r memTickets) UpdateState(_ context.Context, t *Ticket, from TicketStatus) (err error) {
	st, finish := r.v.begin(true)
	defer func() { finish(err == nil) }()

	cur, ok := st.tickets[t.ID]
	if !ok || cur.Status != from {
		return ErrStaleStatus
	}
	t.UpdatedAt = r.v.now()
	cp := t.Clone()
	// Title, description and the approver list itself are fixed at creation.
	cp.Title = cur.Title
	cp.Description = cur.Description
	cp.CreatedBy = cur.CreatedBy
	cp.CreatedAt = cur.CreatedAt
	st.tickets[t.ID] = cp
	return nil
}

func (r memTickets) AppendRecord(_ context.Context, rec *TicketApprovalRecord) error {
	st, finish := r.v.begin(true)
	defer finish(true)

	if _, ok := st.tickets[rec.TicketID]; !ok {
		return errors.NotFound("ticket", rec.TicketID)
	}
	st.nextTicketRecordID++
	rec.ID = st.nextTicketRecordID
	rec.CreatedAt = r.v.now()
	cp := *rec
	st.ticketRecords = append(st.ticketRecords, &cp)
	return nil
}

func (r memTickets) ListRecords(_ context.Context, ticketID int64) ([]*TicketApprovalRecord, error) {
	st, finish := r.v.begin(false)
	defer finish(false)

	out := make([]*TicketApprovalRecord, 0)
	for i := len(st.ticketRecords) - 1; i >= 0; i-- {
		if st.ticketRecords[i].TicketID == ticketID {
			cp := *st.ticketRecords[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}
