// Package cli implements the fishctl command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/octapulse/fishlens/internal/config"
	"github.com/octapulse/fishlens/internal/container"
	apperrors "github.com/octapulse/fishlens/internal/errors"
	"github.com/octapulse/fishlens/internal/service"
	"github.com/octapulse/fishlens/internal/session"
)

const envPrefix = "FISHLENS"

// app carries the state shared by every command of one invocation
type app struct {
	v    *viper.Viper
	opts []container.Option
	c    *container.Container
}

// Command is the fishctl command tree together with the container a run
// opens
type Command struct {
	*cobra.Command
	app *app
}

// ExecuteContext runs the command and releases the container afterwards,
// whether or not the command failed
func (c *Command) ExecuteContext(ctx context.Context) error {
	defer c.app.close()
	return c.Command.ExecuteContext(ctx)
}

// NewRootCommand creates the fishctl command tree. Container options are
// applied to the container each command runs against.
func NewRootCommand(opts ...container.Option) *Command {
	a := &app{v: viper.New(), opts: opts}

	root := &cobra.Command{
		Use:           "fishctl",
		Short:         "OctaPulse fish analysis client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Config file (yaml, json or toml)")
	flags.String("backend-url", "", "Analysis backend base URL")
	flags.String("session-dir", "", "Directory holding the session record")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Duration("timeout", 0, "Backend request timeout")
	flags.Duration("poll-interval", 0, "Initial batch poll interval")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return a.setup(cmd)
	}

	root.AddCommand(
		signInCommand(a),
		signOutCommand(a),
		whoAmICommand(a),
		healthCommand(a),
		uploadCommand(a),
		inspectCommand(a),
		analyzeCommand(a),
		batchCommand(a),
	)
	return &Command{Command: root, app: a}
}

func (a *app) close() {
	if a.c != nil {
		a.c.Close()
		a.c = nil
	}
}

func (a *app) setup(cmd *cobra.Command) error {
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	if file := a.v.GetString("config"); file != "" {
		a.v.SetConfigFile(file)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	a.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	c, err := container.NewContainer(cfg, append([]container.Option{container.WithoutHandler()}, a.opts...)...)
	if err != nil {
		return err
	}
	a.c = c
	c.Init(ctxOf(cmd))
	return nil
}

// apply lets flags, FISHLENS_* variables and the config file override the
// environment configuration
func (a *app) apply(cfg *config.Config) {
	if s := a.v.GetString("backend-url"); s != "" {
		cfg.BackendURL = s
	}
	if s := a.v.GetString("session-dir"); s != "" {
		cfg.SessionDir = s
	}
	if s := a.v.GetString("log-level"); s != "" {
		cfg.LogLevel = s
	}
	if d := a.v.GetDuration("timeout"); d > 0 {
		cfg.BackendTimeout = d
	}
	if d := a.v.GetDuration("poll-interval"); d > 0 {
		cfg.PollInterval = d
	}
}

func (a *app) sessions() *session.Store {
	return a.c.Sessions()
}

func (a *app) analysis() service.AnalysisService {
	return a.c.Analysis()
}

// requireSession fails before any backend call when nobody is signed in
func (a *app) requireSession() error {
	if !a.sessions().Authenticated() {
		return apperrors.NewUnauthorizedError("not signed in, run fishctl signin first", nil)
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
