package bank

import (
	"context"
	"errors"
	"fmt"

	"github.com/punchamoorthee/payswitch/internal/health"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Instrumented gates debits and credits through the bank's breaker and
// reports every outcome to the health registry. Reversals and status probes
// bypass the breaker: the switch must be able to return money to, and learn
// outcomes from, a bank it has stopped sending new payments to.
type Instrumented struct {
	next     Client
	registry *health.Registry
}

func NewInstrumented(next Client, registry *health.Registry) *Instrumented {
	return &Instrumented{next: next, registry: registry}
}

func (c *Instrumented) Execute(ctx context.Context, in Instruction) (Result, error) {
	ctx, span := otel.Tracer("payswitch/bank").Start(ctx, "bank."+string(in.Op))
	defer span.End()
	span.SetAttributes(
		attribute.String("bank.code", in.Bank),
		attribute.String("transaction.id", in.TransactionID),
	)

	begin := c.registry.Begin
	if in.Op == OpReversal {
		// Compensation is never held back by an open circuit.
		begin = c.registry.BeginUnguarded
	}
	call, err := begin(in.Bank)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, health.ErrCircuitOpen) {
			return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return Result{}, err
	}

	res, err := c.next.Execute(ctx, in)
	switch {
	case err == nil:
		call.End(health.OutcomeSuccess)
		span.SetAttributes(attribute.Bool("bank.approved", res.Approved))
	case errors.Is(err, ErrTimeout):
		call.End(health.OutcomeTimeout)
		span.SetStatus(codes.Error, err.Error())
	default:
		call.End(health.OutcomeFailure)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (c *Instrumented) Status(ctx context.Context, code string, op Op, token string) (StatusResult, error) {
	ctx, span := otel.Tracer("payswitch/bank").Start(ctx, "bank.status")
	defer span.End()
	span.SetAttributes(attribute.String("bank.code", code), attribute.String("bank.op", string(op)))
	return c.next.Status(ctx, code, op, token)
}
