package borg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Message is one classified line of borg's diagnostic stream.
//
// With --log-json every line on stderr is either a progress record, a
// structured log record, or free text from a misbehaving remote. The
// classifier never fails: text that matches no schema becomes Unparsable.
type Message interface {
	message()
}

// MsgID is borg's machine readable message identifier.
type MsgID string

const (
	MsgIDConnectionClosed         MsgID = "ConnectionClosed"
	MsgIDConnectionClosedWithHint MsgID = "ConnectionClosedWithHint"
	MsgIDPassphraseWrong          MsgID = "PassphraseWrong"
	MsgIDRepositoryDoesNotExist   MsgID = "Repository.DoesNotExist"
)

// Level is borg's log severity. The zero value is not a valid level, which
// makes a failed levelname decode detectable.
type Level int

const (
	LevelDebug Level = iota + 1
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
)

var levelNames = map[Level]string{
	LevelDebug:    "DEBUG",
	LevelInfo:     "INFO",
	LevelWarning:  "WARNING",
	LevelError:    "ERROR",
	LevelCritical: "CRITICAL",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

func (l Level) MarshalJSON() ([]byte, error) {
	s, ok := levelNames[l]
	if !ok {
		return nil, fmt.Errorf("unknown log level %d", int(l))
	}
	return json.Marshal(s)
}

func (l *Level) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for level, name := range levelNames {
		if name == s {
			*l = level
			return nil
		}
	}
	return fmt.Errorf("unknown log level %q", s)
}

// Progress record types emitted with the "type" discriminator.
const (
	progressTypeArchive = "archive_progress"
	progressTypeMessage = "progress_message"
	progressTypePercent = "progress_percent"
)

// Progress is a progress record. Which fields are meaningful depends on Type:
// archive_progress carries the byte counters and current path,
// progress_message a free text message, progress_percent a current/total pair.
type Progress struct {
	Type string `json:"type"`

	// archive_progress
	OriginalSize     uint64 `json:"original_size,omitempty"`
	CompressedSize   uint64 `json:"compressed_size,omitempty"`
	DeduplicatedSize uint64 `json:"deduplicated_size,omitempty"`
	NFiles           uint64 `json:"nfiles,omitempty"`
	Path             string `json:"path,omitempty"`

	// progress_message and progress_percent
	Operation uint64  `json:"operation,omitempty"`
	MsgID     string  `json:"msgid,omitempty"`
	Finished  bool    `json:"finished,omitempty"`
	Message   string  `json:"message,omitempty"`
	Current   *uint64 `json:"current,omitempty"`
	Total     *uint64 `json:"total,omitempty"`
}

func (Progress) message() {}

// IsArchive reports whether the record carries archive byte counters.
func (p Progress) IsArchive() bool { return p.Type == progressTypeArchive }

// Display renders the record for status UIs. A cache.* msgid means borg is
// synchronizing its local repository cache.
func (p Progress) Display() string {
	switch p.Type {
	case progressTypeArchive:
		return p.Path
	case progressTypeMessage, progressTypePercent:
		if strings.HasPrefix(p.MsgID, "cache.") {
			return "Updating repository information"
		}
		return p.Message
	}
	return ""
}

// LogRecord is a structured log record from borg's --log-json stream.
type LogRecord struct {
	Levelname Level  `json:"levelname"`
	Name      string `json:"name"`
	Message   string `json:"message"`
	MsgID     MsgID  `json:"msgid,omitempty"`
}

func (LogRecord) message() {}

func (r LogRecord) String() string { return r.Message }

// Unparsable wraps a diagnostic line that is neither a progress record nor a
// structured log record.
type Unparsable string

func (Unparsable) message() {}

func (u Unparsable) String() string { return string(u) }

// ParseLine classifies one diagnostic line. It has no failure mode: malformed
// input is a valid classification, not an error.
func ParseLine(line string) Message {
	raw := []byte(strings.TrimRight(line, "\r\n"))

	if p, ok := parseProgress(raw); ok {
		return p
	}
	if r, ok := parseLogRecord(raw); ok {
		return r
	}
	return Unparsable(raw)
}

func parseProgress(raw []byte) (Progress, bool) {
	var p Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return Progress{}, false
	}
	switch p.Type {
	case progressTypeArchive, progressTypeMessage, progressTypePercent:
		return p, true
	}
	return Progress{}, false
}

func parseLogRecord(raw []byte) (LogRecord, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var r LogRecord
	if err := dec.Decode(&r); err != nil {
		return LogRecord{}, false
	}
	// Levelname is mandatory; its custom decoder rejects unknown names and
	// leaves the zero value when the field is absent.
	if r.Levelname == 0 {
		return LogRecord{}, false
	}
	return r, true
}

// MessageText returns the human readable text of any classified message.
func MessageText(m Message) string {
	switch v := m.(type) {
	case Progress:
		return v.Display()
	case LogRecord:
		return v.Message
	case Unparsable:
		return string(v)
	}
	return ""
}
