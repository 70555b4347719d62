package processor

import (
	"errors"
	"strconv"
)

var (
	// ErrStartupBroken is returned by Startup.Wait when the processor ended before arriving.
	ErrStartupBroken = errors.New("processor startup rendezvous broken")
	// ErrBackendPanic wraps a panic recovered from a poll backend.
	ErrBackendPanic = errors.New("poll backend panicked")
	// ErrRunAborted is the cause reported when a run ends before reaching its polling state.
	ErrRunAborted = errors.New("processor run aborted")
)

// Failure describes a processor run that ended because its backend failed.
// Processes still registered on that processor are no longer monitored.
type Failure struct {
	ProcessorID int
	Err         error
}

func (f Failure) Error() string {
	return "processor " + strconv.Itoa(f.ProcessorID) + ": " + f.Err.Error()
}

func (f Failure) Unwrap() error { return f.Err }
