package service

import "errors"

// Failure taxonomy returned by the conversation service. The gateway maps
// these to HTTP status codes; everything else is a storage failure.
var (
	// ErrNotFound: the chat, participant or user does not exist, or the
	// caller has no participant row where one is required.
	ErrNotFound = errors.New("not found")
	// ErrForbidden: the caller is a valid user but not a member of the chat.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidArgument: empty content, empty group name, membership
	// operations against a non-group chat.
	ErrInvalidArgument = errors.New("invalid argument")
)
