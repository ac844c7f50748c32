package contracts

import "errors"

var (
	// ErrInvalidJob indicates a job that fails field validation.
	ErrInvalidJob = errors.New("contracts: invalid email job")

	// ErrMalformedJob indicates a message body that cannot be parsed.
	// The worker treats this as a permanent failure subject to the
	// normal retry ceiling rather than retrying it forever.
	ErrMalformedJob = errors.New("contracts: malformed email job")
)
