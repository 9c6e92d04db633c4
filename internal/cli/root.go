// Package cli implements the chatsync command line: a dev history server
// (serve) and a terminal client of the synchronization engine (tail, send).
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-chat-sync/internal/config"
	"github.com/tbourn/go-chat-sync/internal/sysutil"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	envFile    string
	logLevel   string
	pretty     bool

	cfg config.Config
}

// NewRootCmd builds the command tree. Each call returns an independent tree.
func NewRootCmd() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:   "chatsync",
		Short: "Chat message synchronization engine and dev history server",
		Long: `chatsync keeps a local, paginated window of a conversation's messages in
sync with a history API and a realtime push feed.

  chatsync serve                         # run the dev history server
  chatsync tail conversation:c1          # show a conversation and follow it
  chatsync send group:g1 "hello there"   # post a message

Settings come from the environment, optionally layered over a TOML profile
given with --config.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.load()
		},
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "TOML profile layered under the environment")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded when present")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override LOG_LEVEL")
	root.PersistentFlags().BoolVar(&g.pretty, "pretty", false, "human-readable logs")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(newServeCmd(g), newTailCmd(g), newSendCmd(g))
	return root
}

// load reads the dotenv file, the profile and the environment, then sets up
// logging.
func (g *globalOptions) load() error {
	if g.envFile != "" {
		if err := godotenv.Load(g.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", g.envFile, err)
		}
	}
	cfg, err := config.LoadFile(g.configPath)
	if err != nil {
		return err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.pretty {
		cfg.LogPretty = true
	}
	sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty, nil)
	g.cfg = cfg
	log.Debug().Str("config", g.configPath).Msg("configuration loaded")
	return nil
}

// Execute runs the command line and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
