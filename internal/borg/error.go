package borg

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCredentialMissing is returned when a job is marked encrypted but no
	// passphrase could be resolved. Never retried.
	ErrCredentialMissing = errors.New("no credential for encrypted repository")

	// ErrAborted is returned when a run was stopped on user request.
	ErrAborted = errors.New("backup aborted on user request")
)

// LogError is a failure derived from borg's own log records: the trailing
// messages of the diagnostic stream, at least one of which is at ERROR
// severity or above. Messages keep stream order, oldest first.
type LogError struct {
	Messages []Message
}

func (e *LogError) Error() string {
	texts := make([]string, 0, len(e.Messages))
	for _, m := range e.Messages {
		if t := MessageText(m); t != "" {
			texts = append(texts, t)
		}
	}
	return strings.Join(texts, "\n")
}

// MaxLevel returns the highest severity among the parsed records.
func (e *LogError) MaxLevel() Level {
	var max Level
	for _, m := range e.Messages {
		if r, ok := m.(LogRecord); ok && r.Levelname > max {
			max = r.Levelname
		}
	}
	return max
}

// HasMsgID reports whether any record carries the given message identifier.
func (e *LogError) HasMsgID(id MsgID) bool {
	for _, m := range e.Messages {
		if r, ok := m.(LogRecord); ok && r.MsgID == id {
			return true
		}
	}
	return false
}

// ExitCodeError is a non-zero exit for which no structured error could be
// derived from the log history.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("borg exited with code %d", e.Code)
}

// IsConnectionError reports whether err indicates the remote repository
// endpoint became unreachable mid-operation. Only such failures are eligible
// for reconnect attempts.
func IsConnectionError(err error) bool {
	var logErr *LogError
	if !errors.As(err, &logErr) {
		return false
	}
	return logErr.HasMsgID(MsgIDConnectionClosed) ||
		logErr.HasMsgID(MsgIDConnectionClosedWithHint)
}

// IsPassphraseWrong reports whether err indicates a rejected passphrase.
// A wrong passphrase must never be retried.
func IsPassphraseWrong(err error) bool {
	var logErr *LogError
	return errors.As(err, &logErr) && logErr.HasMsgID(MsgIDPassphraseWrong)
}

// errorFromHistory derives a structured error from the recent message history
// (oldest first). It returns nil when the history holds no record at or above
// ERROR severity; the caller then falls back to exit code classification.
func errorFromHistory(history []Message) error {
	var seen Level
	for _, m := range history {
		if r, ok := m.(LogRecord); ok && r.Levelname > seen {
			seen = r.Levelname
		}
	}
	if seen < LevelError {
		return nil
	}
	return &LogError{Messages: history}
}
