package repository

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-ap-payments/internal/platform/database"
)

// ErrStaleStatus is returned by guarded updates when the row no longer has the
// expected status.
var ErrStaleStatus = stderrors.New("row status changed concurrently")

// PaymentStore reads and writes payments.
type PaymentStore interface {
	GetByID(ctx context.Context, id int64) (*Payment, error)
	// GetForUpdate reads and row-locks the payment for the rest of the transaction.
	GetForUpdate(ctx context.Context, id int64) (*Payment, error)
	List(ctx context.Context, f PaymentFilter) ([]*Payment, int64, error)
	ListPendingFor(ctx context.Context, userID int64) ([]*Payment, error)
	Create(ctx context.Context, p *Payment) error
	UpdateDetails(ctx context.Context, p *Payment) error
	// UpdateWorkflow writes status, approver and timestamp fields only when
	// the stored status still equals from; otherwise ErrStaleStatus.
	UpdateWorkflow(ctx context.Context, p *Payment, from PaymentStatus) error
	Delete(ctx context.Context, id int64) error
}

// ServiceStore reads the approver mapping.
type ServiceStore interface {
	GetByID(ctx context.Context, id int64) (*Service, error)
}

// ApprovalRecordStore is append-only.
type ApprovalRecordStore interface {
	Append(ctx context.Context, rec *ApprovalRecord) error
	ListByPayment(ctx context.Context, paymentID int64) ([]*ApprovalRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*ApprovalRecord, error)
	CountByPayment(ctx context.Context, paymentID int64) (int, error)
}

// TicketStore reads and writes tickets, their approvers and their history.
type TicketStore interface {
	GetByID(ctx context.Context, id int64) (*Ticket, error)
	GetForUpdate(ctx context.Context, id int64) (*Ticket, error)
	Create(ctx context.Context, t *Ticket) error
	// UpdateState writes status, timestamps and every approver decision when
	// the stored status still equals from; otherwise ErrStaleStatus.
	UpdateState(ctx context.Context, t *Ticket, from TicketStatus) error
	AppendRecord(ctx context.Context, rec *TicketApprovalRecord) error
	ListRecords(ctx context.Context, ticketID int64) ([]*TicketApprovalRecord, error)
}

// Repositories groups every store bound to one connection or transaction.
type Repositories interface {
	Payments() PaymentStore
	Services() ServiceStore
	Approvals() ApprovalRecordStore
	Tickets() TicketStore
}

// Store is the injected storage handle. Its own Repositories read outside any
// transaction; InTransaction binds a fresh set to one transaction, committing
// when fn returns nil and rolling back otherwise.
type Store interface {
	Repositories
	InTransaction(ctx context.Context, fn func(tx Repositories) error) error
}

// ── Postgres ─────────────────────────────────────────────────────────────────

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgRepositories struct {
	payments  *PaymentRepository
	services  *ServiceRepository
	approvals *ApprovalRecordRepository
	tickets   *TicketRepository
}

func newPgRepositories(q Querier) *pgRepositories {
	return &pgRepositories{
		payments:  NewPaymentRepository(q),
		services:  NewServiceRepository(q),
		approvals: NewApprovalRecordRepository(q),
		tickets:   NewTicketRepository(q),
	}
}

func (r *pgRepositories) Payments() PaymentStore         { return r.payments }
func (r *pgRepositories) Services() ServiceStore         { return r.services }
func (r *pgRepositories) Approvals() ApprovalRecordStore { return r.approvals }
func (r *pgRepositories) Tickets() TicketStore           { return r.tickets }

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	*pgRepositories
	db *database.DB
}

// NewPostgresStore creates a Store backed by db.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{pgRepositories: newPgRepositories(db.Pool), db: db}
}

func (s *PostgresStore) InTransaction(ctx context.Context, fn func(tx Repositories) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(newPgRepositories(tx))
	})
}

// prefixed qualifies a comma separated column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}
