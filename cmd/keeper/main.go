package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/keeper-backup/keeper/internal/borg"
	"github.com/keeper-backup/keeper/internal/log"
	"github.com/keeper-backup/keeper/internal/model"
	"github.com/keeper-backup/keeper/internal/service"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/keeper on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "keeper")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is keeper.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initKeeper

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(secretCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, borg.ErrAborted) {
			slog.Warn("backup aborted")
			os.Exit(130)
		}
		slog.Error("keeper failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "keeper",
	Short:        "Scheduled borg backups with supervision and reconnects",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run starts the service: scheduled jobs fire until interrupted",
	RunE:  doRun,
}

var backupCmd = &cobra.Command{
	Use:   "backup [job-id...]",
	Short: "backup runs the named jobs once (all jobs when none given)",
	RunE:  doBackup,
}

var secretCmd = &cobra.Command{
	Use:   "secret <job-id>",
	Short: "secret stores the repository passphrase read from stdin",
	Args:  cobra.ExactArgs(1),
	RunE:  doSecret,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of keeper",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("keeper: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("keeper: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("keeper",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	history, err := service.LoadHistory(historyPath())
	if err != nil {
		return err
	}

	supervisor, err := service.NewSupervisor(ctx, config, borg.KeyringResolver{}, history)
	if err != nil {
		return err
	}

	return supervisor.Do(ctx)
}

func doBackup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("keeper",
		slog.String("cmd", "backup"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	cfg := config
	if len(args) > 0 {
		jobs := make([]model.Job, 0, len(args))
		for _, id := range args {
			job := config.Job(id)
			if job == nil {
				return fmt.Errorf("unknown job %q", id)
			}
			jobs = append(jobs, *job)
		}
		cfg.Jobs = jobs
	} else {
		cfg.Jobs = append([]model.Job(nil), config.Jobs...)
	}
	if len(cfg.Jobs) == 0 {
		return errors.New("no jobs configured")
	}
	// One shot runs ignore the schedules.
	for i := range cfg.Jobs {
		cfg.Jobs[i].Schedule = nil
	}

	history, err := service.LoadHistory(historyPath())
	if err != nil {
		return err
	}

	supervisor, err := service.NewSupervisor(ctx, cfg, borg.KeyringResolver{}, history)
	if err != nil {
		return err
	}

	return supervisor.SetOneshot(true).Do(ctx)
}

func doSecret(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	if config.Job(jobID) == nil {
		return fmt.Errorf("unknown job %q", jobID)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "passphrase for %s: ", jobID)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading passphrase: %w", err)
	}
	secret := borg.NewCredential([]byte(strings.TrimRight(line, "\r\n")))
	defer secret.Zero()

	if err := (borg.KeyringResolver{}).StoreSecret(jobID, secret); err != nil {
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "stored")
	return nil
}

func initKeeper(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("KEEPERCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "keeper.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "keeper.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		cfg, err := model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
		config = *cfg
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	var w io.Writer
	switch config.Service.Log {
	case model.LogStdout:
		w = os.Stdout
	case model.LogDiscard:
		w = io.Discard
	default:
		w = os.Stderr
	}
	slog.SetDefault(log.New(w, config.Service.Verbose))

	slog.Debug("keeper run", "configPath", configPath)
	return nil
}

func historyPath() string {
	cache, err := os.UserCacheDir()
	if err != nil {
		cache = filepath.Join(userConfigPath, "cache")
	}
	return filepath.Join(cache, "keeper", "runs.yaml")
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
