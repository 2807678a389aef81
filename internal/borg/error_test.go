package borg_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keeper-backup/keeper/internal/borg"
)

func TestLogError(t *testing.T) {
	t.Parallel()

	logErr := &borg.LogError{Messages: []borg.Message{
		borg.Unparsable("remote said something odd"),
		borg.LogRecord{Levelname: borg.LevelWarning, Message: "cache out of date"},
		borg.LogRecord{
			Levelname: borg.LevelError,
			Message:   "Connection closed by remote host",
			MsgID:     borg.MsgIDConnectionClosed,
		},
	}}

	require.Equal(t, borg.LevelError, logErr.MaxLevel())
	require.True(t, logErr.HasMsgID(borg.MsgIDConnectionClosed))
	require.False(t, logErr.HasMsgID(borg.MsgIDPassphraseWrong))
	require.Equal(t,
		"remote said something odd\ncache out of date\nConnection closed by remote host",
		logErr.Error())
}

func TestIsConnectionError(t *testing.T) {
	t.Parallel()

	conn := &borg.LogError{Messages: []borg.Message{
		borg.LogRecord{Levelname: borg.LevelError, MsgID: borg.MsgIDConnectionClosedWithHint},
	}}
	require.True(t, borg.IsConnectionError(conn))
	require.True(t, borg.IsConnectionError(fmt.Errorf("running job: %w", conn)))

	other := &borg.LogError{Messages: []borg.Message{
		borg.LogRecord{Levelname: borg.LevelError, MsgID: borg.MsgIDRepositoryDoesNotExist},
	}}
	require.False(t, borg.IsConnectionError(other))
	require.False(t, borg.IsConnectionError(&borg.ExitCodeError{Code: 2}))
	require.False(t, borg.IsConnectionError(errors.New("plain")))
}

func TestIsPassphraseWrong(t *testing.T) {
	t.Parallel()

	wrong := &borg.LogError{Messages: []borg.Message{
		borg.LogRecord{Levelname: borg.LevelError, MsgID: borg.MsgIDPassphraseWrong},
	}}
	require.True(t, borg.IsPassphraseWrong(wrong))
	require.False(t, borg.IsPassphraseWrong(borg.ErrCredentialMissing))
}

func TestExitCodeError(t *testing.T) {
	t.Parallel()
	err := &borg.ExitCodeError{Code: 2}
	require.EqualError(t, err, "borg exited with code 2")
}
