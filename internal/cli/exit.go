package cli

import (
	"errors"
	"fmt"
)

// Exit codes returned by the procsentry binary.
const (
	ExitOK = 0
	// ExitAlerts means a scan emitted at least one alert and --fail-on-alert
	// was given.
	ExitAlerts = 1
	// ExitBadRules means the rule document could not be loaded.
	ExitBadRules = 2
)

// ExitError carries an exit code out of a command. A command that has already
// printed its output returns one without a message.
type ExitError struct {
	code    int
	message string
}

func alertsFound() *ExitError { return &ExitError{code: ExitAlerts} }

func badRules(err error) *ExitError {
	return &ExitError{code: ExitBadRules, message: err.Error()}
}

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	if e.message != "" {
		return e.message
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *ExitError) Code() int {
	if e == nil {
		return 1
	}
	return e.code
}

func (e *ExitError) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// ExitCode maps an error returned by Execute to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code()
	}
	return 1
}
