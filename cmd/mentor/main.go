package main

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	mentor_cmds "github.com/go-go-golems/mentor/cmd/mentor/cmds"
	"github.com/go-go-golems/mentor/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:           "mentor",
	Short:         "mentor is a terminal client for the realtime course mentor",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// reinitialize the logger now that --log-level is parsed
		return initLogger(cmd)
	},
}

func initLogger(cmd *cobra.Command) error {
	s, err := config.Load(cmd)
	if err != nil {
		return err
	}
	lvl, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return nil
}

func main() {
	config.AddFlags(rootCmd)
	rootCmd.AddCommand(
		mentor_cmds.NewChatCommand(),
		mentor_cmds.NewConversationsCommand(),
		mentor_cmds.NewTranscriptCommand(),
		mentor_cmds.NewConfigCommand(),
	)
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("mentor failed")
		os.Exit(1)
	}
}
