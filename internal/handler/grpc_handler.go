package handler

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-ap-payments/internal/auth"
	"github.com/pesio-ai/be-ap-payments/internal/platform/errors"
	"github.com/pesio-ai/be-ap-payments/internal/repository"
	"github.com/pesio-ai/be-ap-payments/internal/service"
)

// ApprovalWorkflowServiceName is the fully qualified gRPC service name.
const ApprovalWorkflowServiceName = "payments.v1.ApprovalWorkflow"

// ApprovalWorkflowServer is the gRPC surface of the payment workflow. Messages
// are google.protobuf.Struct so callers need no generated stubs.
type ApprovalWorkflowServer interface {
	GetPayment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitPayment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DecidePayment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkPaymentPaid(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PaymentHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PendingPayments(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(ApprovalWorkflowServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ApprovalWorkflowServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ApprovalWorkflowServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(ApprovalWorkflowServer), ctx, req.(*structpb.Struct))
		})
	}
}

// ApprovalWorkflowServiceDesc describes ApprovalWorkflowServer for grpc.Server.
var ApprovalWorkflowServiceDesc = grpc.ServiceDesc{
	ServiceName: ApprovalWorkflowServiceName,
	HandlerType: (*ApprovalWorkflowServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetPayment", Handler: unaryHandler("GetPayment", ApprovalWorkflowServer.GetPayment)},
		{MethodName: "SubmitPayment", Handler: unaryHandler("SubmitPayment", ApprovalWorkflowServer.SubmitPayment)},
		{MethodName: "DecidePayment", Handler: unaryHandler("DecidePayment", ApprovalWorkflowServer.DecidePayment)},
		{MethodName: "MarkPaymentPaid", Handler: unaryHandler("MarkPaymentPaid", ApprovalWorkflowServer.MarkPaymentPaid)},
		{MethodName: "PaymentHistory", Handler: unaryHandler("PaymentHistory", ApprovalWorkflowServer.PaymentHistory)},
		{MethodName: "PendingPayments", Handler: unaryHandler("PendingPayments", ApprovalWorkflowServer.PendingPayments)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "payments/v1/approval_workflow.proto",
}

// RegisterApprovalWorkflowServer registers srv on s.
func RegisterApprovalWorkflowServer(s grpc.ServiceRegistrar, srv ApprovalWorkflowServer) {
	s.RegisterService(&ApprovalWorkflowServiceDesc, srv)
}

// GRPCHandler implements ApprovalWorkflowServer
type GRPCHandler struct {
	payments *service.PaymentService
	workflow *service.ApprovalWorkflowService
	logger   zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(payments *service.PaymentService, workflow *service.ApprovalWorkflowService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		payments: payments,
		workflow: workflow,
		logger:   logger.With().Str("handler", "grpc").Logger(),
	}
}

// GetPayment returns one payment. Request: {"payment_id": n}.
func (h *GRPCHandler) GetPayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := paymentID(req)
	if err != nil {
		return nil, err
	}
	p, err := h.payments.Get(ctx, grpcPrincipal(ctx), id)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return paymentToStruct(p)
}

// SubmitPayment moves a draft or rejected payment into review.
func (h *GRPCHandler) SubmitPayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := paymentID(req)
	if err != nil {
		return nil, err
	}
	h.logger.Info().Int64("payment_id", id).Msg("gRPC SubmitPayment called")

	p, err := h.workflow.Submit(ctx, grpcPrincipal(ctx), id)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return paymentToStruct(p)
}

// DecidePayment approves or rejects the current stage.
// Request: {"payment_id": n, "action": "approve"|"reject", "comment": "..."}.
func (h *GRPCHandler) DecidePayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := paymentID(req)
	if err != nil {
		return nil, err
	}
	action := strings.ToLower(req.GetFields()["action"].GetStringValue())
	h.logger.Info().Int64("payment_id", id).Str("action", action).Msg("gRPC DecidePayment called")

	p, err := h.workflow.Decide(ctx, grpcPrincipal(ctx), id, service.Action(action), optionalString(req, "comment"))
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return paymentToStruct(p)
}

// MarkPaymentPaid closes an approved payment.
func (h *GRPCHandler) MarkPaymentPaid(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := paymentID(req)
	if err != nil {
		return nil, err
	}
	p, err := h.workflow.MarkAsPaid(ctx, grpcPrincipal(ctx), id, optionalString(req, "comment"))
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return paymentToStruct(p)
}

// PaymentHistory returns {"history": [...]}, newest first.
func (h *GRPCHandler) PaymentHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := paymentID(req)
	if err != nil {
		return nil, err
	}
	records, err := h.workflow.History(ctx, grpcPrincipal(ctx), id)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}

	items := make([]any, 0, len(records))
	for _, rec := range records {
		items = append(items, map[string]any{
			"id":            float64(rec.ID),
			"payment_id":    float64(rec.PaymentID),
			"approver_id":   float64(rec.ApproverID),
			"approver_role": rec.ApproverRole,
			"action":        string(rec.Action),
			"comment":       nullableString(rec.Comment),
			"created_at":    rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return newStruct(map[string]any{"history": items})
}

// PendingPayments returns {"payments": [...]} awaiting the caller.
func (h *GRPCHandler) PendingPayments(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	payments, err := h.workflow.PendingFor(ctx, grpcPrincipal(ctx))
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	items := make([]any, 0, len(payments))
	for _, p := range payments {
		items = append(items, paymentFields(p))
	}
	return newStruct(map[string]any{"payments": items})
}

// ── Auth ──────────────────────────────────────────────────────────────────────

// UnaryAuthInterceptor authenticates the "authorization" metadata entry for
// every method of the workflow service. Other services (health, reflection)
// pass through.
func UnaryAuthInterceptor(authn auth.Authenticator) grpc.UnaryServerInterceptor {
	prefix := "/" + ApprovalWorkflowServiceName + "/"
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, prefix) {
			return handler(ctx, req)
		}

		var token string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get("authorization"); len(vals) > 0 {
				token = vals[0]
			}
		}
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "missing authorization metadata")
		}

		p, err := authn.Authenticate(ctx, token)
		if err != nil {
			return nil, mapErrorToGRPC(err)
		}
		return handler(auth.WithPrincipal(ctx, p), req)
	}
}

func grpcPrincipal(ctx context.Context) *auth.Principal {
	p, _ := auth.PrincipalFrom(ctx)
	return p
}

// ── Conversion ────────────────────────────────────────────────────────────────

func paymentID(req *structpb.Struct) (int64, error) {
	v, ok := req.GetFields()["payment_id"]
	if !ok {
		return 0, status.Error(codes.InvalidArgument, "payment_id is required")
	}
	n := v.GetNumberValue()
	if n <= 0 || n != float64(int64(n)) {
		return 0, status.Error(codes.InvalidArgument, "payment_id must be a positive integer")
	}
	return int64(n), nil
}

func optionalString(req *structpb.Struct, key string) *string {
	v, ok := req.GetFields()[key]
	if !ok {
		return nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil
	}
	s := v.GetStringValue()
	return &s
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return float64(*id)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// paymentFields renders amounts as strings so no precision is lost to the
// float64 number type of Struct.
func paymentFields(p *repository.Payment) map[string]any {
	return map[string]any{
		"id":                       float64(p.ID),
		"amount":                   p.Amount.String(),
		"description":              nullableString(p.Description),
		"service_id":               nullableID(p.ServiceID),
		"status":                   string(p.Status.Normalize()),
		"created_by":               float64(p.CreatedBy),
		"intermediate_approver_id": nullableID(p.IntermediateApproverID),
		"intermediate_approved_at": nullableTime(p.IntermediateApprovedAt),
		"intermediate_comment":     nullableString(p.IntermediateComment),
		"final_approver_id":        nullableID(p.FinalApproverID),
		"final_approved_at":        nullableTime(p.FinalApprovedAt),
		"final_comment":            nullableString(p.FinalComment),
		"submitted_at":             nullableTime(p.SubmittedAt),
		"paid_at":                  nullableTime(p.PaidAt),
		"created_at":               p.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":               p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func paymentToStruct(p *repository.Payment) (*structpb.Struct, error) {
	return newStruct(paymentFields(p))
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return s, nil
}

// mapErrorToGRPC maps workflow errors to gRPC status codes
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	msg := errors.PublicMessage(err)

	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, msg)
	case errors.ErrCodeInvalidInput:
		return status.Error(codes.InvalidArgument, msg)
	case errors.ErrCodeUnauthenticated:
		return status.Error(codes.Unauthenticated, msg)
	case errors.ErrCodeForbidden:
		return status.Error(codes.PermissionDenied, msg)
	case errors.ErrCodeMissingApprovalChain:
		return status.Error(codes.FailedPrecondition, msg)
	case errors.ErrCodeInvalidTransition:
		return status.Error(codes.Aborted, msg)
	default:
		return status.Error(codes.Internal, msg)
	}
}
