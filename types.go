package main

import (
	"catalog-proxy-go/circuitbreaker"
)

// CredentialStatus reports which tokens are present and when the developer token expires
type CredentialStatus struct {
	Source           string `json:"source"`
	Location         string `json:"location,omitempty"`
	DeveloperToken   bool   `json:"developer_token"`
	SessionToken     bool   `json:"session_token"`
	DeveloperExpires string `json:"developer_token_expires,omitempty"`
	DaysRemaining    *int   `json:"days_remaining,omitempty"`
	Status           string `json:"status"`
	Error            string `json:"error,omitempty"`
}

// HealthResponse is the response format for /health
type HealthResponse struct {
	Status          string                    `json:"status"`
	Redis           string                    `json:"redis"`
	Upstreams       []string                  `json:"upstreams"`
	CircuitBreakers []circuitbreaker.Snapshot `json:"circuit_breakers"`
	RetryQueueDepth *int                      `json:"retry_queue_depth,omitempty"`
	Credentials     *CredentialStatus         `json:"credentials,omitempty"`
}

// CacheLookupResponse is the response format for /cache/lookup
type CacheLookupResponse struct {
	Key       string `json:"key"`
	InL1      bool   `json:"in_l1"`
	InL2      bool   `json:"in_l2"`
	L2TTL     string `json:"l2_ttl,omitempty"`
	L2Error   string `json:"l2_error,omitempty"`
	SizeBytes int    `json:"size_bytes,omitempty"`
}

// CredentialRotation is the request body for /credentials/rotate
type CredentialRotation struct {
	DeveloperToken string `json:"developer_token" validate:"required_without=SessionToken"`
	SessionToken   string `json:"session_token" validate:"required_without=DeveloperToken"`
}

// NotificationResult is one channel's outcome in /test-notifications
type NotificationResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
