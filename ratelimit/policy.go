package ratelimit

import "time"

// Caller classes
const (
	ClassExternalAPI = "external_api"
	ClassAdmin       = "admin"
	ClassRead        = "read"
	ClassWrite       = "write"
)

// Policies holds one Policy per caller class.
type Policies map[string]Policy

// DefaultPolicies returns the stock allowances: 30/min for external API and
// read routes, 100/min for admin-authenticated callers, 10/min for writes.
func DefaultPolicies() Policies {
	return Policies{
		ClassExternalAPI: {Class: ClassExternalAPI, Threshold: 30, Window: time.Minute},
		ClassAdmin:       {Class: ClassAdmin, Threshold: 100, Window: time.Minute},
		ClassRead:        {Class: ClassRead, Threshold: 30, Window: time.Minute},
		ClassWrite:       {Class: ClassWrite, Threshold: 10, Window: time.Minute},
	}
}

// For returns the policy for class, falling back to the external API policy.
func (p Policies) For(class string) Policy {
	if pol, ok := p[class]; ok {
		return pol
	}
	return p[ClassExternalAPI]
}
