package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrReferenceMismatch = errors.New("reference reused with mismatched payload")
	ErrKindMismatch      = errors.New("event does not match transaction kind")

	ErrTaskNotFound = errors.New("scheduled task not found")
	ErrTaskExists   = errors.New("scheduled task already registered")
	ErrTaskDisabled = errors.New("scheduled task is disabled")
	ErrTaskRunning  = errors.New("scheduled task is already running")
)
