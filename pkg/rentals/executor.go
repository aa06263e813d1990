package rentals

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/keystone-pm/keystone/pkg/approvals"
)

// Approval-gated mutation types handled by the executor. The type string
// doubles as the policy resource name.
const (
	TypePropertyDelete = "rentals.properties.delete"
	TypeTenantDelete   = "rentals.tenants.delete"
	TypeLeaseTerminate = "rentals.leases.terminate"
	TypePaymentUpdate  = "rentals.payments.update"
	TypePaymentDelete  = "rentals.payments.delete"
	TypeExpenseDelete  = "rentals.expenses.delete"
)

// PaymentCorrection is the payload for TypePaymentUpdate requests
type PaymentCorrection struct {
	Amount int64         `json:"amount"`
	Method string        `json:"method,omitempty"`
	Status PaymentStatus `json:"status"`
	PaidAt *time.Time    `json:"paid_at,omitempty"`
}

// Executor applies approved rentals mutations. It runs inside the
// approval's transaction: if the mutation fails the approval is rolled
// back and the request stays pending.
type Executor struct{}

// NewExecutor creates the rentals mutation executor
func NewExecutor() *Executor {
	return &Executor{}
}

// Execute applies the mutation named by req.Type against req.Target
func (e *Executor) Execute(ctx context.Context, tx *sql.Tx, req *approvals.Request) error {
	switch req.Type {
	case TypePropertyDelete:
		return deleteProperty(ctx, tx, req.OrganizationID, req.Target.ID)
	case TypeTenantDelete:
		return deleteTenant(ctx, tx, req.OrganizationID, req.Target.ID)
	case TypeLeaseTerminate:
		return terminateLease(ctx, tx, req.OrganizationID, req.Target.ID)
	case TypePaymentUpdate:
		var correction PaymentCorrection
		if err := json.Unmarshal(req.Payload, &correction); err != nil {
			return fmt.Errorf("failed to decode payment correction: %w", err)
		}
		if correction.Amount <= 0 {
			return fmt.Errorf("payment correction amount must be positive")
		}
		return updatePayment(ctx, tx, req.OrganizationID, req.Target.ID,
			correction.Amount, correction.Method, correction.Status, correction.PaidAt)
	case TypePaymentDelete:
		return deletePayment(ctx, tx, req.OrganizationID, req.Target.ID)
	case TypeExpenseDelete:
		return deleteExpense(ctx, tx, req.OrganizationID, req.Target.ID)
	default:
		return fmt.Errorf("unknown approval type %q", req.Type)
	}
}
