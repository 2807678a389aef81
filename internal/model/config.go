package model

import (
	"io"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

// Config is the top level configuration: the backup jobs plus service
// settings.
type Config struct {
	Version int     `json:"version" yaml:"version"` // fixed 0 for now
	Jobs    []Job   `json:"jobs,omitempty" yaml:"jobs,omitempty"`
	Service Service `json:"service,omitempty" yaml:"service,omitempty"`
}

// Service settings of the supervisor loop.
type Service struct {
	Verbose     bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log         string `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"
	MaxParallel int    `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
}

// Job returns the job with the given id, or nil.
func (c *Config) Job(id string) *Job {
	for i := range c.Jobs {
		if c.Jobs[i].ID == id {
			return &c.Jobs[i]
		}
	}
	return nil
}

// DefaultConfig is written on first start.
func DefaultConfig() Config {
	return Config{Version: 0, Service: Service{Log: LogStderr}}
}

// LoadConfig validates YAML from r against the CUE schema and decodes it.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}
