package connectors

import (
	"errors"
	"fmt"
	"time"
)

// ThrottleError исполнитель просит повторить позже (gRPC ResourceExhausted).
// ReliabilityWrapper берет паузу из RetryAfter вместо экспоненциального бэкоффа.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// ErrUnknownUseCase для use case не настроен исполнитель.
var ErrUnknownUseCase = errors.New("no executor configured for use case")
