package policy

import "errors"

var (
	// ErrPermissionDenied is returned by Authorize for every deny decision,
	// including missing grants and unknown roles.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrRedactionPolicyUnknown marks a tier with no rule set. It never
	// leaves this package: Redact maps it to full replacement.
	ErrRedactionPolicyUnknown = errors.New("redaction policy unknown")

	// ErrSharingCycle is returned when a sharing edge would close a loop.
	ErrSharingCycle = errors.New("sharing graph cycle")

	ErrUnknownRole  = errors.New("unknown role")
	ErrUnknownScope = errors.New("unknown scope")
	ErrInvalidGrant = errors.New("invalid grant")
)
