package audit

import (
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	EventTypeBillingRunCycle   EventType = "billing.run_cycle"
	EventTypeBillingRunAccount EventType = "billing.run_account"
	EventTypeHoldClear         EventType = "account.hold_clear"
	EventTypeInvoiceProrated   EventType = "invoice.prorated_create"
	EventTypeInvoiceMarkPaid   EventType = "invoice.mark_paid"
	EventTypeSubscriptionStart EventType = "subscription.create"
	EventTypeSubscriptionEnd   EventType = "subscription.cancel"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
)

// ResourceType represents the type of resource acted on
type ResourceType string

const (
	ResourceTypeAccount      ResourceType = "account"
	ResourceTypeCycle        ResourceType = "cycle"
	ResourceTypeInvoice      ResourceType = "invoice"
	ResourceTypeSubscription ResourceType = "subscription"
)

// Event is a single audit log entry
type Event struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`

	// Request context
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// SearchFilter narrows Search results. Zero fields match everything.
type SearchFilter struct {
	StartTime    *time.Time
	EndTime      *time.Time
	EventTypes   []EventType
	Status       EventStatus
	ResourceType ResourceType
	ResourceID   string

	Limit  int
	Offset int
}

// DefaultSearchLimit caps Search when no limit is given
const DefaultSearchLimit = 100
