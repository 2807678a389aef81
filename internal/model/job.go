package model

import (
	"os"
	"path/filepath"
	"time"
)

// Job is one configured backup target: a repository plus the paths going
// into it. Jobs are identified by a unique id, which also keys the keyring
// entry holding the passphrase of an encrypted repository.
type Job struct {
	ID            string    `json:"id" yaml:"id"`
	Repo          string    `json:"repo" yaml:"repo"` // local path or ssh:// URI
	Encrypted     bool      `json:"encrypted,omitempty" yaml:"encrypted,omitempty"`
	Include       []string  `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude       []string  `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	ArchivePrefix string    `json:"archive_prefix,omitempty" yaml:"archive_prefix,omitempty"`
	ExtraArgs     []string  `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`
	Schedule      *Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	LastRun       *RunInfo  `json:"last_run,omitempty" yaml:"last_run,omitempty"`
}

// Schedule asks the trigger prober to start the job periodically. Exactly one
// of Cron or Every is set.
type Schedule struct {
	Cron  string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Every string `json:"every,omitempty" yaml:"every,omitempty"`
}

// RunInfo records the outcome of the most recent run.
type RunInfo struct {
	End     time.Time `json:"end" yaml:"end"`
	Success bool      `json:"success" yaml:"success"`
	Message string    `json:"message,omitempty" yaml:"message,omitempty"`
}

// IncludeDirs returns the job's include paths as absolute directories.
// Relative paths are anchored at the home directory. An empty include list
// means the whole home directory.
func (j *Job) IncludeDirs() []string {
	if len(j.Include) == 0 {
		return []string{homeDir()}
	}
	dirs := make([]string, 0, len(j.Include))
	for _, dir := range j.Include {
		dirs = append(dirs, absolute(dir))
	}
	return dirs
}

// ExcludeDirsInternal returns the user exclusions plus the engine's own
// repository mount directory, all absolute.
func (j *Job) ExcludeDirsInternal() []string {
	dirs := make([]string, 0, len(j.Exclude)+1)
	for _, dir := range j.Exclude {
		dirs = append(dirs, absolute(dir))
	}
	return append(dirs, MountDir())
}

// MountDir is where the engine mounts repositories for browsing. It must
// never end up inside an archive.
func MountDir() string {
	cache, err := os.UserCacheDir()
	if err != nil {
		cache = filepath.Join(homeDir(), ".cache")
	}
	return filepath.Join(cache, "keeper", "mnt")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/"
	}
	return home
}

func absolute(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(homeDir(), path)
}
