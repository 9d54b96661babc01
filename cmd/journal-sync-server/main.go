package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/auth"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/config"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/database"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/logging"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/records"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/server"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "journal-sync-server",
		Short: "Reference sync server for journal entries and moods",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyServerDefaults(viper.GetViper())
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", viper.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", viper.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", viper.GetInt("token.ttl_minutes"), "Owner token TTL in minutes")
	cmd.PersistentFlags().Int("max-page-size", viper.GetInt("sync.max_page_size"), "Maximum records per pull page")
	cmd.PersistentFlags().String("log-level", viper.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "sync.max_page_size", "max-page-size")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

func newTokenIssuer(appConfig config.ServerConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func newIssueTokenCommand() *cobra.Command {
	var ownerID string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Print a bearer token for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.LoadServer(viper.GetViper())
			if err != nil {
				return err
			}
			owner, err := syncable.NewOwnerID(ownerID)
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueOwnerToken(cmd.Context(), owner)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %s\n", time.Duration(expiresIn)*time.Second)
			return nil
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "Owner id to embed as the token subject")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.LoadServer(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenServerSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	recordsService, err := records.NewService(records.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: syncable.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         tokenIssuer,
		Records:        recordsService,
		Realtime:       server.NewRealtimeDispatcher(),
		MaxPageSize:    appConfig.MaxPageSize,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
