package types

import "errors"

// Error kinds of the collaboration core. Callers test with errors.Is;
// packages wrap these with fmt.Errorf("...: %w", ...) to add context.
var (
	// ErrNotFound means the entity is missing under the requester's
	// visibility. Read paths report denied access as ErrNotFound so that
	// existence is not leaked.
	ErrNotFound = errors.New("not found")

	// ErrAccessDenied means a mutation was denied by visibility or
	// permission rules.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidIdentifier means a caller-supplied SQL identifier failed
	// validation.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrNotSyncable means an operation targets a table outside the sync
	// allowlist.
	ErrNotSyncable = errors.New("table not syncable")

	// ErrInvalidSignature means a team-scoped operation failed HMAC
	// verification.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrStorageUnavailable means database I/O failed.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrPeerUnreachable means a peer exchange failed at the HTTP layer or
	// returned a non-200 status.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrRateLimited means an invite or other sensitive endpoint was
	// throttled.
	ErrRateLimited = errors.New("rate limited")
)
