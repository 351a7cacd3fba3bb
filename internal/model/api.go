package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for admission requests.
const (
	MaxPromptMetadataLen = 64 * 1024 // 64 KB
	MaxSourceDigestLen   = 128
	MaxLineageLen        = 64
	MaxCombinationLen    = 256
	MaxTracesPerRequest  = 1000
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput   = "INVALID_INPUT"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeForbidden      = "FORBIDDEN"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeInternalError  = "INTERNAL_ERROR"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeUnknownTarget  = "UNKNOWN_TARGET"
	ErrCodeLineageCycle   = "LINEAGE_CYCLE"
	ErrCodeMalformedTrace = "MALFORMED_TRACE"
	ErrCodeUnavailable    = "SERVICE_UNAVAILABLE"
)

// AdmitSeedRequest is the request body for POST /v1/seeds.
type AdmitSeedRequest struct {
	Target         string   `json:"target"`
	SourceDigest   string   `json:"source_digest"`
	Lineage        []SeedID `json:"lineage,omitempty"`
	Origin         Origin   `json:"origin,omitempty"`
	PromptMetadata string   `json:"prompt_metadata,omitempty"`
	Combination    []string `json:"combination,omitempty"`
}

// Validate checks per-field limits before the request reaches the service.
func (r AdmitSeedRequest) Validate() error {
	if r.Target == "" {
		return fmt.Errorf("target is required")
	}
	if r.SourceDigest == "" {
		return fmt.Errorf("source_digest is required")
	}
	if len(r.SourceDigest) > MaxSourceDigestLen {
		return fmt.Errorf("source_digest exceeds maximum length of %d characters", MaxSourceDigestLen)
	}
	if len(r.Lineage) > MaxLineageLen {
		return fmt.Errorf("lineage exceeds maximum of %d parents", MaxLineageLen)
	}
	if len(r.Combination) > MaxCombinationLen {
		return fmt.Errorf("combination exceeds maximum of %d calls", MaxCombinationLen)
	}
	if len(r.PromptMetadata) > MaxPromptMetadataLen {
		return fmt.Errorf("prompt_metadata exceeds maximum length of %d bytes", MaxPromptMetadataLen)
	}
	if !r.Origin.Valid() {
		return fmt.Errorf("origin %q is not one of original, random, repair, mutate, combine", r.Origin)
	}
	if len(r.Lineage) == 0 && !r.Origin.IsRoot() {
		return fmt.Errorf("origin %q requires at least one parent", r.Origin)
	}
	if len(r.Lineage) > 0 && r.Origin != "" && r.Origin.IsRoot() {
		return fmt.Errorf("origin %q cannot have parents", r.Origin)
	}
	return nil
}

// AdmitSeedResponse is the response for POST /v1/seeds.
type AdmitSeedResponse struct {
	SeedID  SeedID `json:"seed_id"`
	Created bool   `json:"created"`
}

// IngestTracesRequest is the request body for POST /v1/traces.
type IngestTracesRequest struct {
	Traces []RawTrace `json:"traces"`
}

// Validate bounds the batch size and per-trace field sizes. Range checks
// against the branch universe happen later, per trace, in the normalizer.
func (r IngestTracesRequest) Validate() error {
	if len(r.Traces) == 0 {
		return fmt.Errorf("traces must not be empty")
	}
	if len(r.Traces) > MaxTracesPerRequest {
		return fmt.Errorf("traces exceeds maximum of %d per request", MaxTracesPerRequest)
	}
	for i, tr := range r.Traces {
		if len(tr.Branches) > MaxTraceBranches {
			return fmt.Errorf("traces[%d].branches exceeds maximum of %d", i, MaxTraceBranches)
		}
		if len(tr.Calls) > MaxTraceCalls {
			return fmt.Errorf("traces[%d].calls exceeds maximum of %d", i, MaxTraceCalls)
		}
		for _, c := range tr.Calls {
			if len(c) > MaxCallNameLen {
				return fmt.Errorf("traces[%d]: call name exceeds maximum length of %d", i, MaxCallNameLen)
			}
		}
	}
	return nil
}

// IngestTracesResponse is the response for POST /v1/traces. Queued
// traces are merged asynchronously; Rejected is only known when they are
// not.
type IngestTracesResponse struct {
	Accepted       int         `json:"accepted"`
	Rejected       int         `json:"rejected"`
	Queued         bool        `json:"queued"`
	ObservationIDs []uuid.UUID `json:"observation_ids,omitempty"`
}

// MarkSelectedResponse is the response for POST /v1/seeds/{id}/selected.
type MarkSelectedResponse struct {
	SeedID     SeedID    `json:"seed_id"`
	SelectedAt time.Time `json:"selected_at"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	WorkerID string   `json:"worker_id"`
	APIKey   string   `json:"api_key"`
	Targets  []string `json:"targets,omitempty"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Store        string `json:"store"`
	StoreStatus  string `json:"store_status"` // "connected", "disconnected", "none"
	Targets      int    `json:"targets"`
	BufferDepth  int    `json:"buffer_depth"`
	BufferStatus string `json:"buffer_status"` // "ok", "high", "critical"
	Uptime       int64  `json:"uptime_seconds"`
}
