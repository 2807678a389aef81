package borg_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keeper-backup/keeper/internal/borg"
	"github.com/keeper-backup/keeper/internal/model"
)

func TestCallArgs(t *testing.T) {
	t.Parallel()

	call := borg.NewCall("create")
	call.AddOptions("--json", "--progress")
	call.AddPositional("/repo::archive")
	call.AddPositional("/home/user")

	args := call.Args()
	require.Equal(t, "create", args[0])
	require.Contains(t, args, "--json")
	require.Contains(t, args, "--rsh")

	// positionals come after the terminator
	sep := -1
	for i, a := range args {
		if a == "--" {
			sep = i
			break
		}
	}
	require.GreaterOrEqual(t, sep, 0)
	require.Equal(t, []string{"/repo::archive", "/home/user"}, args[sep+1:])
}

func TestCallRawArgs(t *testing.T) {
	t.Parallel()

	call := borg.NewRawCall()
	call.AddOptions("--version")
	require.Equal(t, []string{"--version", "--"}, call.Args())
}

func TestCallAddArchive(t *testing.T) {
	t.Parallel()

	job := &model.Job{ID: "docs", Repo: "ssh://borg@backup.example.com/./repo", ArchivePrefix: "docs-"}

	call := borg.NewCall("create")
	call.AddArchive(job)
	call.AddPositional("/home/user/Documents")

	args := call.Args()
	first := args[len(args)-2]
	require.True(t, strings.HasPrefix(first, job.Repo+"::docs-"))
	// random suffix, 8 characters
	require.Len(t, first, len(job.Repo+"::docs-")+8)

	// a second AddArchive replaces, it never duplicates
	call.AddArchive(job)
	require.Len(t, call.Args(), len(args))
}

func TestCallAddExcludes(t *testing.T) {
	t.Parallel()

	job := &model.Job{
		ID:      "docs",
		Repo:    "/backup/repo",
		Include: []string{"/data/projects"},
		Exclude: []string{"/data/projects/tmp"},
	}

	call := borg.NewCall("create")
	call.AddExcludes(job)

	args := call.Args()
	require.Contains(t, args, "--exclude=pp:/data/projects/tmp")
	require.Contains(t, args, "--exclude=pp:"+model.MountDir())
	require.Equal(t, "/data/projects", args[len(args)-1])
}

type staticResolver struct {
	secret *borg.Credential
	err    error
}

func (r staticResolver) Secret(string) (*borg.Credential, error) {
	return r.secret, r.err
}

func TestCallAddCredential(t *testing.T) {
	t.Parallel()

	t.Run("explicit wins", func(t *testing.T) {
		job := &model.Job{ID: "docs", Repo: "/repo", Encrypted: true}
		call := borg.NewCall("create")
		err := call.AddCredential(job, borg.NewCredential([]byte("explicit")), staticResolver{
			secret: borg.NewCredential([]byte("from-store")),
		})
		require.NoError(t, err)
	})

	t.Run("encrypted resolves from store", func(t *testing.T) {
		job := &model.Job{ID: "docs", Repo: "/repo", Encrypted: true}
		call := borg.NewCall("create")
		err := call.AddCredential(job, nil, staticResolver{
			secret: borg.NewCredential([]byte("from-store")),
		})
		require.NoError(t, err)
	})

	t.Run("encrypted without resolver", func(t *testing.T) {
		job := &model.Job{ID: "docs", Repo: "/repo", Encrypted: true}
		call := borg.NewCall("create")
		err := call.AddCredential(job, nil, nil)
		require.ErrorIs(t, err, borg.ErrCredentialMissing)
	})

	t.Run("encrypted missing in store", func(t *testing.T) {
		job := &model.Job{ID: "docs", Repo: "/repo", Encrypted: true}
		call := borg.NewCall("create")
		err := call.AddCredential(job, nil, staticResolver{err: borg.ErrCredentialMissing})
		require.ErrorIs(t, err, borg.ErrCredentialMissing)
	})

	t.Run("unencrypted needs no store", func(t *testing.T) {
		job := &model.Job{ID: "docs", Repo: "/repo"}
		call := borg.NewCall("create")
		require.NoError(t, call.AddCredential(job, nil, nil))
	})
}

func TestCallAddBasics(t *testing.T) {
	t.Parallel()

	job := &model.Job{ID: "docs", Repo: "/backup/repo", ExtraArgs: []string{"--compression", "zstd"}}
	call := borg.NewCall("info")
	require.NoError(t, call.AddBasics(job, nil, nil))
	defer call.Close()

	args := call.Args()
	require.Contains(t, args, "--log-json")
	require.Contains(t, args, "--compression")
	require.Equal(t, "/backup/repo", args[len(args)-1])

	// the secret never leaks into the argument vector
	encrypted := &model.Job{ID: "docs", Repo: "/backup/repo", Encrypted: true}
	secret := borg.NewCredential([]byte("hunter2"))
	secured := borg.NewCall("info")
	require.NoError(t, secured.AddBasics(encrypted, secret, nil))
	defer secured.Close()
	for _, a := range secured.Args() {
		require.NotContains(t, a, "hunter2")
	}
}
