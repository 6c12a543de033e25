package main

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/marionette/pkg/chatclient"
	"github.com/go-go-golems/marionette/pkg/gateway"
	"github.com/go-go-golems/marionette/pkg/localstore"
)

var (
	flagConfigPath string
	flagLogLevel   string
	flagGatewayURL string
	flagToken      string
	flagStorePath  string
	flagSession    string
)

var rootCmd = &cobra.Command{
	Use:   "marionette",
	Short: "Chat client for a remote gateway conversational backend",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogging(flagLogLevel)
	},
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", defaultConfigPath(), "path to config file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&flagGatewayURL, "gateway-url", "", "gateway websocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "gateway auth token")
	rootCmd.PersistentFlags().StringVar(&flagStorePath, "store", "", "path to the local state database")
	rootCmd.PersistentFlags().StringVar(&flagSession, "session", "", "session key to operate on")

	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newSendCommand())
	rootCmd.AddCommand(newSessionsCommand())
	rootCmd.AddCommand(newStatusCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initLogging(level string) error {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(parsed)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	return nil
}

// buildRuntime wires store, transport and runtime from config and flags.
func buildRuntime() (*chatclient.Runtime, func(), error) {
	fileCfg := loadFileConfig(flagConfigPath)
	cfg := fileCfg.runtimeConfig(flagGatewayURL, flagToken)

	storePath := fileCfg.StorePath
	if flagStorePath != "" {
		storePath = flagStorePath
	}
	if storePath == "" {
		storePath = defaultStorePath()
	}
	_ = os.MkdirAll(filepath.Dir(storePath), 0o700)

	var store chatclient.Store
	var closeStore func()
	if s, err := localstore.Open(storePath); err != nil {
		log.Warn().Err(err).Str("component", "cli").Str("path", storePath).Msg("local store unavailable, state will not persist")
		closeStore = func() {}
	} else {
		store = s
		closeStore = func() { _ = s.Close() }
	}

	rt, err := chatclient.NewRuntime(cfg, gateway.NewClient(), store)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	if flagSession != "" {
		rt.SwitchSession(flagSession)
	}
	cleanup := func() {
		rt.Close()
		closeStore()
	}
	return rt, cleanup, nil
}
