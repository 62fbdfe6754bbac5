package messagequeue

import "time"

// TenantRemovedPayload is the schema for licenser.tenant.removed messages.
type TenantRemovedPayload struct {
	TenantID string `json:"tenant_id"`
}

// CapabilityRemovedPayload is the schema for licenser.capability.removed messages.
type CapabilityRemovedPayload struct {
	TenantID     string `json:"tenant_id,omitempty"`
	CapabilityID string `json:"capability_id"`
}

// EntitlementEventPayload is the schema for licenser.entitlement.* messages.
type EntitlementEventPayload struct {
	EventID      string    `json:"event_id"`
	IdentityID   string    `json:"identity_id"`
	TenantID     string    `json:"tenant_id"`
	CapabilityID string    `json:"capability_id"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}
