package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/joeycumines/go-aio"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "AIO"

// app is the state shared by every command, initialised before each runs.
type app struct {
	stdout io.Writer
	stderr io.Writer
	config *viper.Viper
	logger *logiface.Logger[logiface.Event]
	group  *aio.Group
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{
		stdout: stdout,
		stderr: stderr,
		config: viper.New(),
	}

	cmd := &cobra.Command{
		Use:           "aioctl",
		Short:         "Exercise asynchronous file and socket channels",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.Flags())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.PersistentFlags()
	flags.String("config", "", "config file (yaml, json or toml)")
	flags.String("log-level", "warning", "log level, one of emerg, alert, crit, err, warning, notice, info, debug, trace, disabled")
	flags.Int("threads", 0, "size of a fixed thread pool, or 0 for a cached pool")
	flags.Int("max-invoke", aio.DefaultMaxHandlerInvokeCount, "handlers invoked directly on one goroutine, before going via the pool")
	flags.Bool("portable", false, "use the portable OS operations")
	flags.Duration("timeout", 10*time.Second, "timeout of each socket read or write")

	cmd.AddCommand(
		newCopyCommand(a),
		newLockCommand(a),
		newEchoCommand(a),
		newServeEchoCommand(a),
	)

	return cmd
}

func (a *app) init(flags *pflag.FlagSet) error {
	v := a.config
	if err := v.BindPFlags(flags); err != nil {
		return err
	}
	v.SetEnvPrefix(envPrefix)
	// e.g. AIO_LOG_LEVEL for log-level
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
	}

	level, err := parseLevel(v.GetString("log-level"))
	if err != nil {
		return err
	}
	a.logger = stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(a.stderr)),
		stumpy.L.WithLevel(level),
	).Logger()

	opts := []aio.GroupOption{
		aio.WithLogger(a.logger),
		aio.WithMaxHandlerInvokeCount(v.GetInt("max-invoke")),
	}
	if n := v.GetInt("threads"); n > 0 {
		opts = append(opts, aio.WithFixedThreadPool(n))
	}
	a.group, err = aio.NewGroup(opts...)
	if err != nil {
		return err
	}

	a.logger.Debug().
		Str("config", v.ConfigFileUsed()).
		Bool("fixed", a.group.IsFixedThreadPool()).
		Log("initialised")

	return nil
}

func (a *app) close() error {
	if a.group == nil {
		return nil
	}
	return a.group.ShutdownNow()
}

func (a *app) channelOptions() []aio.ChannelOption {
	if a.config.GetBool("portable") {
		return []aio.ChannelOption{aio.WithPortableOps()}
	}
	return nil
}

func parseLevel(s string) (logiface.Level, error) {
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if strings.EqualFold(s, level.String()) {
			return level, nil
		}
	}
	return logiface.LevelDisabled, errors.New("invalid log level: " + s)
}
