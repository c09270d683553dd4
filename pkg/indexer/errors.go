package indexer

import (
	"errors"
	"fmt"
)

var (
	ErrContractViolation = errors.New("index definition contract violation")
	ErrUnknownAction     = errors.New("unknown index action")
	ErrItemWrite         = errors.New("bulk write item failed")
	ErrRecovery          = errors.New("rollback recovery failed")
	ErrInvalidBatchSize  = errors.New("batch size must be positive")
	ErrReservedID        = errors.New("index id uses the reserved prefix")
	ErrInvalidParams     = errors.New("invalid engine parameters")

	ErrNotificationDropped = errors.New("commit notification dropped")
)

// ItemError reports the first failed item of a bulk write.
type ItemError struct {
	ID  string
	Err error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrItemWrite, e.ID, e.Err)
}

func (e *ItemError) Unwrap() []error {
	return []error{ErrItemWrite, e.Err}
}
