package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "journal-sync",
		Short:         "Offline-first journal and mood tracker that syncs with a journal-sync server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newAddEntryCommand(),
		newEditEntryCommand(),
		newDeleteCommand(),
		newLogMoodCommand(),
		newListCommand(),
		newSyncCommand(),
		newWatchCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyClientDefaults(viper.GetViper())
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("owner", "", "Owner id the device syncs for")
	flags.String("token", "", "Bearer token issued by the server")
	flags.String("server", viper.GetString("server.base_url"), "Sync server base url")
	flags.String("channel-url", "", "Change-notification channel url (derived from --server when empty)")
	flags.String("database-path", viper.GetString("database.path"), "Local SQLite database path")
	flags.String("log-level", viper.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-file", "", "Write logs to a rotated file instead of stderr")
	flags.String("tie-break", viper.GetString("sync.tie_break"), "Equal-timestamp rule (local or version)")

	bindFlag(cmd, "owner.id", "owner")
	bindFlag(cmd, "auth.token", "token")
	bindFlag(cmd, "server.base_url", "server")
	bindFlag(cmd, "server.channel_url", "channel-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "sync.tie_break", "tie-break")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
