package errdef

import "errors"

// Terminal wraps err as a permanent failure. A consumer that receives a
// terminal error must drop the message (dead-letter it) instead of
// requeueing, so a poison message cannot loop forever.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether any error in the chain was marked terminal.
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}

type terminalError struct {
	err error
}

func (t *terminalError) Error() string {
	return t.err.Error()
}

func (t *terminalError) Unwrap() error {
	return t.err
}
