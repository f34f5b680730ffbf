package capture

import (
	"errors"
	"fmt"
)

// Failure classes. Every error returned by Executor.Capture matches exactly
// one of these with errors.Is, except a cancelled context, which is returned
// as is.
var (
	ErrLaunch            = errors.New("capture: browser launch failed")
	ErrPageOpen          = errors.New("capture: page open failed")
	ErrNavigation        = errors.New("capture: navigation failed")
	ErrNavigationTimeout = errors.New("capture: navigation timed out")
	ErrScreenshot        = errors.New("capture: screenshot failed")
)

// StageError records the stage an attempt had reached when it failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("capture: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

var classes = []error{ErrLaunch, ErrPageOpen, ErrNavigation, ErrNavigationTimeout, ErrScreenshot}

// classify tags err with class unless it already carries a failure class.
// A nil class leaves err untouched.
func classify(class, err error) error {
	if err == nil || class == nil {
		return err
	}
	for _, c := range classes {
		if errors.Is(err, c) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", class, err)
}
