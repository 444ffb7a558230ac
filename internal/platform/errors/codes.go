// Package errors provides structured error handling for party lifecycle flows.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Party errors
	CodePartyNotFound      Code = "PARTY_NOT_FOUND"
	CodePartyFull          Code = "PARTY_FULL"
	CodePartyExpired       Code = "PARTY_EXPIRED"
	CodePartyClosed        Code = "PARTY_CLOSED"
	CodePartyInvalidMax    Code = "PARTY_INVALID_MAX_PLAYERS"
	CodePartyEmptyOwnerID  Code = "PARTY_EMPTY_OWNER_ID"
	CodePartyEmptyID       Code = "PARTY_EMPTY_ID"
	CodePartyNotInviteOnly Code = "PARTY_NOT_INVITE_ONLY"

	// Membership errors
	CodeAlreadyInParty   Code = "ALREADY_IN_PARTY"
	CodeAlreadyRequested Code = "ALREADY_REQUESTED"
	CodeAlreadyInvited   Code = "ALREADY_INVITED"
	CodeInviteRequired   Code = "INVITE_REQUIRED"
	CodeNotAParticipant  Code = "NOT_A_PARTICIPANT"
	CodeRequestNotFound  Code = "JOIN_REQUEST_NOT_FOUND"
	CodeOwnerCannotLeave Code = "OWNER_CANNOT_LEAVE"

	// Permission errors
	CodeForbidden Code = "FORBIDDEN"

	// Concurrency errors
	CodeBusy Code = "BUSY"

	// Storage errors
	CodeNotFound        Code = "NOT_FOUND"
	CodeAlreadyReserved Code = "ALREADY_RESERVED"
)

// Retryable reports whether callers may safely retry the failed operation.
func (c Code) Retryable() bool {
	return c == CodeBusy
}
