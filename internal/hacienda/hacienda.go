// Package hacienda talks to the tax authority's reception API: payload
// serialization, submission and status queries.
package hacienda

import (
	"context"

	"github.com/cajacentral/facturador/internal/domain"
)

// Outcome classifies a definitive authority answer.
type Outcome string

const (
	// OutcomeReceived means the authority took the document and will
	// process it asynchronously; poll for the final answer.
	OutcomeReceived Outcome = "received"
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	// OutcomePending means the authority is still processing.
	OutcomePending Outcome = "pending"
)

// SubmitResult is the authority's answer to a submission.
type SubmitResult struct {
	Outcome Outcome
	// Detail carries the raw response body for the audit trail.
	Detail string
}

// StatusResult is the authority's answer to a status query.
type StatusResult struct {
	Outcome Outcome
	// ResponseXML is the authority's base64-decoded answer document,
	// present once processing finished.
	ResponseXML []byte
	Detail      string
}

// Client is the authority reception API. Transient transport failures
// return an ENETWORK domain error so the worker retries; a rejection is
// a successful call with OutcomeRejected, never an error.
type Client interface {
	Submit(ctx context.Context, doc *domain.TaxDocument) (*SubmitResult, error)
	QueryStatus(ctx context.Context, clave string) (*StatusResult, error)
}
