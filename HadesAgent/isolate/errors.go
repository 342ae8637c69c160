package isolate

import (
	"errors"
	"fmt"
)

var (
	// ErrDomainFailure matches every *Failure.
	ErrDomainFailure = errors.New("job failed")
	// ErrAbnormalTermination matches every *AbnormalTermination.
	ErrAbnormalTermination = errors.New("child terminated abnormally")
	// ErrCorruptResult matches every *CorruptResult.
	ErrCorruptResult = errors.New("corrupt result")
	// ErrUnknownKind is returned for a job kind that was never registered.
	ErrUnknownKind = errors.New("unknown job kind")
)

// Failure is an error raised by the job itself, rebuilt in the parent.
type Failure struct {
	Kind    string
	Message string
	// Log is the output captured before the failure, if the job carried one.
	Log string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return ErrDomainFailure }

func (f *Failure) CapturedLog() string { return f.Log }

// AbnormalTermination means the child ended without writing a complete result.
type AbnormalTermination struct {
	// ExitCode is -1 when the child was killed by a signal.
	ExitCode int
	Signal   string
	Reason   string
	// Cause is the context error when the child was killed on timeout or cancellation.
	Cause error
}

func (e *AbnormalTermination) Error() string {
	status := fmt.Sprintf("exit code %d", e.ExitCode)
	if e.Signal != "" {
		status = "signal " + e.Signal
	}
	return fmt.Sprintf("%v: %s (%s)", ErrAbnormalTermination, e.Reason, status)
}

func (e *AbnormalTermination) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrAbnormalTermination, e.Cause}
	}
	return []error{ErrAbnormalTermination}
}

// CorruptResult means the child wrote a complete frame that could not be decoded.
type CorruptResult struct {
	Reason string
	Err    error
}

func (e *CorruptResult) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", ErrCorruptResult, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v: %s", ErrCorruptResult, e.Reason)
}

func (e *CorruptResult) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrCorruptResult, e.Err}
	}
	return []error{ErrCorruptResult}
}

// failureFromError builds the transportable form of a job error. The kind comes
// from a Kind() method anywhere in the chain, else from the innermost error type.
func failureFromError(err error) *Failure {
	f := &Failure{Message: err.Error()}

	var k interface{ Kind() string }
	if errors.As(err, &k) {
		f.Kind = k.Kind()
	} else {
		f.Kind = fmt.Sprintf("%T", innermost(err))
	}

	var l interface{ CapturedLog() string }
	if errors.As(err, &l) {
		f.Log = l.CapturedLog()
	}
	return f
}

func innermost(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
