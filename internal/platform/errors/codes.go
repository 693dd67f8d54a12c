// Package errors provides structured ledger errors with stable codes.
package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeInvalidArgument covers malformed request parameters.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// Event envelope errors
	CodeEventScopeRequired  Code = "EVENT_SCOPE_REQUIRED"
	CodeEventTypeUnknown    Code = "EVENT_TYPE_UNKNOWN"
	CodeEventActorInvalid   Code = "EVENT_ACTOR_INVALID"
	CodeEventEntityMismatch Code = "EVENT_ENTITY_MISMATCH"
	CodeEventPayloadInvalid Code = "EVENT_PAYLOAD_INVALID"

	// Command errors
	CodeScopeNotFound         Code = "SCOPE_NOT_FOUND"
	CodeScopeAlreadyExists    Code = "SCOPE_ALREADY_EXISTS"
	CodeControlNotFound       Code = "CONTROL_NOT_FOUND"
	CodeControlRetired        Code = "CONTROL_RETIRED"
	CodeResourceNotFound      Code = "RESOURCE_NOT_FOUND"
	CodeExceptionNotFound     Code = "EXCEPTION_NOT_FOUND"
	CodeExceptionRevoked      Code = "EXCEPTION_REVOKED"
	CodePolicyInvalid         Code = "POLICY_INVALID"
	CodePolicyFailed          Code = "POLICY_FAILED"
	CodeFilterInvalid         Code = "FILTER_INVALID"
	CodePointInvalid          Code = "POINT_INVALID"
	CodeSnapshotPointInFuture Code = "SNAPSHOT_POINT_IN_FUTURE"

	// Integrity errors
	CodeIntegrityHashMismatch     Code = "INTEGRITY_HASH_MISMATCH"
	CodeIntegrityChainBroken      Code = "INTEGRITY_CHAIN_BROKEN"
	CodeIntegritySignatureInvalid Code = "INTEGRITY_SIGNATURE_INVALID"
	CodeIntegritySequenceGap      Code = "INTEGRITY_SEQUENCE_GAP"
	CodeIntegritySnapshotMismatch Code = "INTEGRITY_SNAPSHOT_MISMATCH"
	CodeIntegrityKeyringMissing   Code = "INTEGRITY_KEYRING_MISSING"
	CodeAttestationInvalid        Code = "ATTESTATION_INVALID"
	CodeAttestationNotConfigured  Code = "ATTESTATION_NOT_CONFIGURED"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// GRPCCode maps the domain code to the closest gRPC status code.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeInvalidArgument,
		CodeEventScopeRequired,
		CodeEventTypeUnknown,
		CodeEventActorInvalid,
		CodeEventEntityMismatch,
		CodeEventPayloadInvalid,
		CodePolicyInvalid,
		CodeFilterInvalid,
		CodePointInvalid,
		CodeSnapshotPointInFuture,
		CodeAttestationInvalid:
		return codes.InvalidArgument
	case CodeScopeNotFound,
		CodeControlNotFound,
		CodeResourceNotFound,
		CodeExceptionNotFound,
		CodeNotFound:
		return codes.NotFound
	case CodeScopeAlreadyExists:
		return codes.AlreadyExists
	case CodeControlRetired,
		CodeExceptionRevoked:
		return codes.FailedPrecondition
	case CodeIntegrityHashMismatch,
		CodeIntegrityChainBroken,
		CodeIntegritySignatureInvalid,
		CodeIntegritySequenceGap,
		CodeIntegritySnapshotMismatch:
		return codes.DataLoss
	case CodeIntegrityKeyringMissing,
		CodeAttestationNotConfigured:
		return codes.Unavailable
	case CodePolicyFailed:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// HTTPStatus maps the domain code to an HTTP status.
func (c Code) HTTPStatus() int {
	switch c.GRPCCode() {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return http.StatusConflict
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
