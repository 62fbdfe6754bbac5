package messagequeue

import (
	"encoding/json"
	"fmt"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject, including required identifiers.
// Unknown subjects only need to be valid JSON.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch subject {
	case SubjectTenantRemoved:
		var p TenantRemovedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.TenantID == "" {
			return fmt.Errorf("schema validation failed for %s: tenant_id is required", subject)
		}
	case SubjectCapabilityRemoved:
		var p CapabilityRemovedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.CapabilityID == "" {
			return fmt.Errorf("schema validation failed for %s: capability_id is required", subject)
		}
	case SubjectEntitlementGranted, SubjectEntitlementRevoked, SubjectEntitlementExpired:
		var p EntitlementEventPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.IdentityID == "" || p.CapabilityID == "" {
			return fmt.Errorf("schema validation failed for %s: identity_id and capability_id are required", subject)
		}
	}
	return nil
}
