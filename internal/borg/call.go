package borg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keeper-backup/keeper/internal/model"
)

const borgBinary = "borg"

// passphraseFDEnv names the environment variable through which borg learns
// the file descriptor number of the credential pipe's read end.
const passphraseFDEnv = "BORG_PASSPHRASE_FD"

// Call assembles one invocation of the borg binary: sub-command, option
// flags, positional arguments, environment overrides and the credential.
// The rendered argument vector is [subcommand, options..., "--",
// positionals...]. The credential never appears in it.
type Call struct {
	binary     string
	command    string
	options    []string
	envs       map[string]string
	positional []string
	credential *Credential
}

// NewCall starts a call for the given sub-command. The remote shell is forced
// into batch mode so a repository behind ssh can never hang the run waiting
// for an interactive password prompt.
func NewCall(command string) *Call {
	return &Call{
		binary:  borgBinary,
		command: command,
		options: []string{
			"--rsh", "ssh -o BatchMode=yes -o StrictHostKeyChecking=accept-new",
		},
		envs: make(map[string]string),
	}
}

// NewRawCall starts a call without sub-command or implicit options.
func NewRawCall() *Call {
	return &Call{binary: borgBinary, envs: make(map[string]string)}
}

// WithBinary overrides the executable. This method exists for unit testing
// only.
func (c *Call) WithBinary(path string) *Call {
	c.binary = path
	return c
}

// AddEnv sets one environment override. Last write wins on duplicate keys.
func (c *Call) AddEnv(key, value string) *Call {
	c.envs[key] = value
	return c
}

// AddEnvs sets several environment overrides.
func (c *Call) AddEnvs(vars map[string]string) *Call {
	for k, v := range vars {
		c.envs[k] = v
	}
	return c
}

// AddOptions appends option flags.
func (c *Call) AddOptions(options ...string) *Call {
	c.options = append(c.options, options...)
	return c
}

// AddPositional appends one positional argument.
func (c *Call) AddPositional(arg string) *Call {
	c.positional = append(c.positional, arg)
	return c
}

// AddExcludes renders the job's exclusions as path-prefix patterns and adds
// the include dirs as positional arguments. The engine's own mount directory
// is always excluded so a mounted repository can never back itself up.
func (c *Call) AddExcludes(job *model.Job) *Call {
	for _, dir := range job.ExcludeDirsInternal() {
		c.AddOptions("--exclude=pp:" + dir)
	}
	for _, dir := range job.IncludeDirs() {
		c.AddPositional(dir)
	}
	return c
}

// AddArchive sets the archive target <repo>::<prefix><id> as the first
// positional argument, replacing an already set one. The id is a fresh random
// 8 character suffix, so every run produces a distinct archive name.
func (c *Call) AddArchive(job *model.Job) *Call {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	arg := fmt.Sprintf("%s::%s%s", job.Repo, job.ArchivePrefix, id)
	if len(c.positional) > 0 {
		c.positional[0] = arg
	} else {
		c.AddPositional(arg)
	}
	return c
}

// AddCredential resolves and attaches the passphrase for the job. An
// explicitly supplied credential always wins; otherwise an encrypted job is
// looked up in the secret store, and an unencrypted one gets an empty
// credential. An encrypted job with no resolvable secret fails with
// ErrCredentialMissing.
func (c *Call) AddCredential(job *model.Job, explicit *Credential, resolver SecretResolver) error {
	switch {
	case explicit != nil:
		c.credential = explicit
	case job.Encrypted:
		if resolver == nil {
			return ErrCredentialMissing
		}
		secret, err := resolver.Secret(job.ID)
		if err != nil {
			return err
		}
		c.credential = secret
	default:
		c.credential = NewCredential(nil)
	}
	return nil
}

// AddBasics attaches the credential, enables the structured log stream, and
// applies repository defaults: the repo locator as first positional (if none
// is set yet) and any per-repository extra arguments.
func (c *Call) AddBasics(job *model.Job, explicit *Credential, resolver SecretResolver) error {
	if err := c.AddCredential(job, explicit, resolver); err != nil {
		return err
	}
	c.AddOptions("--log-json")
	if len(c.positional) == 0 {
		c.AddPositional(job.Repo)
	}
	c.AddOptions(job.ExtraArgs...)
	return nil
}

// Close wipes the attached credential. Call it once no further attempt will
// be spawned from this call.
func (c *Call) Close() {
	c.credential.Zero()
}

// Args renders the full argument vector.
func (c *Call) Args() []string {
	args := make([]string, 0, 2+len(c.options)+len(c.positional))
	if c.command != "" {
		args = append(args, c.command)
	}
	args = append(args, c.options...)
	args = append(args, "--")
	args = append(args, c.positional...)
	return args
}

// Invocation is one spawned borg process. Stdout accumulates the result
// payload; Stderr is the line oriented diagnostic stream.
type invocation struct {
	cmd    *exec.Cmd
	stdout *bytes.Buffer
	stderr io.ReadCloser
}

// spawn starts the process. The credential pipe is created here, immediately
// before the fork, and the secret written to it; the parent keeps neither
// end. The child learns the read end's descriptor number through a single
// environment variable.
func (c *Call) spawn(ctx context.Context) (*invocation, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating credential pipe: %w", err)
	}

	// The passphrase is at most a few hundred bytes, far below the pipe
	// buffer, so this write cannot block.
	if _, err := pw.Write(c.credential.bytes()); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("writing credential pipe: %w", err)
	}
	if err := pw.Close(); err != nil {
		pr.Close()
		return nil, fmt.Errorf("closing credential pipe: %w", err)
	}

	cmd := exec.Command(c.binary, c.Args()...)
	// Once the child has exited, force the inherited pipe ends closed after
	// a grace period. An orphaned grandchild still holding stdout or stderr
	// must not hold up Wait forever.
	cmd.WaitDelay = time.Second
	// ExtraFiles[0] becomes descriptor 3 in the child and is the only
	// descriptor inherited beyond the standard three.
	cmd.ExtraFiles = []*os.File{pr}
	cmd.Env = append(os.Environ(), c.renderEnvs()...)
	cmd.Env = append(cmd.Env, passphraseFDEnv+"=3")

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("capturing stderr: %w", err)
	}

	slog.DebugContext(ctx, "spawning borg", "args", c.Args(), "env", c.renderEnvs())
	if err := cmd.Start(); err != nil {
		pr.Close()
		return nil, fmt.Errorf("starting %s: %w", c.binary, err)
	}
	// The child holds its own duplicate now.
	_ = pr.Close()

	return &invocation{cmd: cmd, stdout: &stdout, stderr: stderr}, nil
}

func (c *Call) renderEnvs() []string {
	keys := make([]string, 0, len(c.envs))
	for k := range c.envs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+c.envs[k])
	}
	return env
}
