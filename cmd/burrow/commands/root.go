package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dyluth/burrow/internal/config"
	"github.com/dyluth/burrow/internal/logging"
	"github.com/dyluth/burrow/internal/printer"
	"github.com/dyluth/burrow/internal/relay"
	"github.com/dyluth/burrow/pkg/atomicstore"
	"github.com/dyluth/burrow/pkg/board"
	"github.com/dyluth/burrow/pkg/eventbus"
	"github.com/dyluth/burrow/pkg/filelock"
	"github.com/dyluth/burrow/pkg/mailbox"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version, commit, date = v, c, d
}

// Execute builds the command tree and runs it against os.Args. Errors not
// already printed by the printer are written to stderr.
func Execute() error {
	err := NewRootCmd().Execute()
	if err != nil && !printer.IsReported(err) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

// app carries what every subcommand needs once flags and config are
// resolved.
type app struct {
	v      *viper.Viper
	cfg    *config.BurrowConfig
	logger *log.Logger
	out    *printer.Printer
	locks  *filelock.Manager
	bus    *eventbus.Bus
	relay  *relay.Relay
}

// skipSetup marks commands that run without a resolved config.
const skipSetup = "burrow/skip-setup"

// NewRootCmd returns the burrow command tree. Each call builds fresh
// commands and a fresh viper instance.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "burrow",
		Short: "burrow - file-based task coordination for cooperating agents",
		Long: `burrow coordinates independent agent processes through a shared directory.

Tasks move between three board files (backlog, working, archive) under
advisory file locks, so any number of agents on one machine can claim work
without a server. A stall monitor returns tasks whose agent went quiet, and
per-agent mailboxes carry messages between agents.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipSetup] == "true" {
				a.out = printer.New(cmd.OutOrStdout(), cmd.ErrOrStderr())
				return nil
			}
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (default: ./burrow.yml or ./burrow.toml if present)")
	pf.String("dir", "", "state directory holding board/ and mailbox/ (overrides config)")
	pf.String("log-level", "", "log level: debug | info | warn | error")
	pf.String("log-format", "", "log format: text | json | logfmt")
	pf.Bool("no-color", false, "disable colored output")
	bindFlag(a.v, "config", pf, "config")
	bindFlag(a.v, "dir", pf, "dir")
	bindFlag(a.v, "log_level", pf, "log-level")
	bindFlag(a.v, "log_format", pf, "log-format")
	bindFlag(a.v, "no_color", pf, "no-color")

	a.v.SetEnvPrefix("BURROW")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		newInitCmd(a),
		newAddCmd(a),
		newGetCmd(a),
		newListCmd(a),
		newClaimCmd(a),
		newUpdateCmd(a),
		newReleaseCmd(a),
		newRequeueCmd(a),
		newMonitorCmd(a),
		newAgentCmd(a),
		newSendCmd(a),
		newDrainCmd(a),
		newPeekCmd(a),
		newWatchCmd(a),
		newServeCmd(a),
		newVersionCmd(),
	)
	return root
}

func bindFlag(v *viper.Viper, key string, fs *pflag.FlagSet, flagName string) {
	if err := v.BindPFlag(key, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, key, err))
	}
}

// setup resolves the config (file, then env, then flags), the logger and
// the shared lock manager and bus.
func (a *app) setup(cmd *cobra.Command) error {
	a.out = printer.New(cmd.OutOrStdout(), cmd.ErrOrStderr())
	if a.v.GetBool("no_color") || os.Getenv("NO_COLOR") != "" {
		printer.DisableColor()
	}

	cfg, base, err := a.loadConfig()
	if err != nil {
		return a.out.Error("invalid configuration", err.Error(),
			[]string{"Check burrow.yml, or run 'burrow init' to create a fresh one"})
	}

	if dir := a.v.GetString("dir"); dir != "" {
		cfg.Board.Dir = filepath.Join(dir, "board")
		cfg.Mailbox.Dir = filepath.Join(dir, "mailbox")
	}
	if lvl := a.v.GetString("log_level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if f := a.v.GetString("log_format"); f != "" {
		cfg.Log.Format = f
	}
	cfg.Resolve(base)
	a.cfg = cfg

	a.logger, err = logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	a.locks = filelock.NewManager()
	a.bus = eventbus.New(a.logger)

	if cfg.Relay != nil {
		a.relay, err = relay.NewFromURL(cfg.Relay.RedisURL, cfg.Relay.Instance, a.logger)
		if err != nil {
			return err
		}
		a.relay.Attach(a.bus)
	}
	return nil
}

// loadConfig returns the config and the directory relative paths in it are
// resolved against.
func (a *app) loadConfig() (*config.BurrowConfig, string, error) {
	path := a.v.GetString("config")
	if path == "" {
		for _, candidate := range []string{config.DefaultFileName, "burrow.yaml", "burrow.toml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, "", err
		}
		return config.Default(), wd, nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, filepath.Dir(abs), nil
}

func (a *app) close() error {
	if a.relay == nil {
		return nil
	}
	err := a.relay.Close()
	a.relay = nil
	return err
}

func (a *app) board() *board.Board {
	return board.New(a.cfg.Board.Dir, a.locks,
		board.WithBus(a.bus),
		board.WithLogger(a.logger),
		board.WithLockTimeout(a.cfg.LockTimeout()),
	)
}

func (a *app) mailbox() *mailbox.Mailbox {
	return mailbox.New(a.cfg.Mailbox.Dir, a.locks,
		mailbox.WithBus(a.bus),
		mailbox.WithLogger(a.logger),
		mailbox.WithLockTimeout(a.cfg.LockTimeout()),
	)
}

// storeError turns lock timeouts and corrupt files into the printer's
// formatted errors; anything else is returned unchanged.
func (a *app) storeError(err error) error {
	var timeout *filelock.TimeoutError
	var corrupt *atomicstore.CorruptStoreError
	switch {
	case errors.As(err, &timeout):
		return a.out.ErrorWithContext("lock timeout",
			"Another process held the lock for longer than the configured timeout.",
			[][2]string{{"Resource", timeout.Resource}, {"Waited", timeout.Waited.String()}},
			[]string{"Retry the command", "Raise board.lock_timeout_ms in burrow.yml"})
	case errors.As(err, &corrupt):
		return a.out.ErrorWithContext("corrupt state file",
			"burrow refuses to overwrite a file it cannot parse.",
			[][2]string{{"File", corrupt.Path}, {"Cause", corrupt.Err.Error()}},
			[]string{"Repair or remove the file by hand, then retry"})
	default:
		return err
	}
}
