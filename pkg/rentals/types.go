package rentals

import (
	"time"
)

// Property is a rentable building or unit group
type Property struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Address        string    `json:"address"`
	Units          int       `json:"units"`
	ImageURL       string    `json:"image_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TenantStatus tracks a renter's standing
type TenantStatus string

const (
	TenantActive   TenantStatus = "active"
	TenantInactive TenantStatus = "inactive"
	TenantLate     TenantStatus = "late"
)

// Tenant is a renter occupying a unit of a property
type Tenant struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organization_id"`
	PropertyID     string       `json:"property_id"`
	Name           string       `json:"name"`
	Email          string       `json:"email"`
	Phone          string       `json:"phone,omitempty"`
	Unit           string       `json:"unit"`
	Status         TenantStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// LeaseStatus is the lifecycle of a lease
type LeaseStatus string

const (
	LeaseActive     LeaseStatus = "active"
	LeaseTerminated LeaseStatus = "terminated"
	LeaseExpired    LeaseStatus = "expired"
)

// Lease binds a renter to a property for a period at a rent.
// Amounts are in minor currency units.
type Lease struct {
	ID             string      `json:"id"`
	OrganizationID string      `json:"organization_id"`
	PropertyID     string      `json:"property_id"`
	TenantID       string      `json:"tenant_id"`
	StartDate      time.Time   `json:"start_date"`
	EndDate        time.Time   `json:"end_date"`
	RentAmount     int64       `json:"rent_amount"`
	Status         LeaseStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// PaymentStatus is the settlement state of a payment
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Payment is a rent payment against a lease
type Payment struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organization_id"`
	LeaseID        string        `json:"lease_id"`
	TenantID       string        `json:"tenant_id"`
	Amount         int64         `json:"amount"`
	Method         string        `json:"method,omitempty"`
	Status         PaymentStatus `json:"status"`
	PaidAt         *time.Time    `json:"paid_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Expense is money spent on a property
type Expense struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	PropertyID     string    `json:"property_id"`
	Category       string    `json:"category"`
	Amount         int64     `json:"amount"`
	Description    string    `json:"description,omitempty"`
	IncurredAt     time.Time `json:"incurred_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// MaintenanceStatus is the workflow state of a maintenance request
type MaintenanceStatus string

const (
	MaintenanceOpen       MaintenanceStatus = "open"
	MaintenanceInProgress MaintenanceStatus = "in_progress"
	MaintenanceCompleted  MaintenanceStatus = "completed"
	MaintenanceClosed     MaintenanceStatus = "closed"
	MaintenanceCancelled  MaintenanceStatus = "cancelled"
)

// MaintenanceRequest is a repair or service request against a property,
// reported by staff or by the renter.
type MaintenanceRequest struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	PropertyID     string            `json:"property_id"`
	TenantID       string            `json:"tenant_id,omitempty"`
	Description    string            `json:"description"`
	Status         MaintenanceStatus `json:"status"`
	Priority       string            `json:"priority"`
	ReportedBy     string            `json:"reported_by"`
	AssignedTo     string            `json:"assigned_to,omitempty"`
	Category       string            `json:"category,omitempty"`
	Notes          string            `json:"notes,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}
