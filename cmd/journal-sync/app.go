package main

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/config"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/database"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/journal"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/localstore"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/logging"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/realtime"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/reconciler"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/remote"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app holds the wired client for one command invocation.
type app struct {
	config  config.ClientConfig
	logger  *zap.Logger
	db      *gorm.DB
	remote  *remote.Client
	session *journal.Session
}

func openApp() (*app, error) {
	appConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	owner, err := syncable.NewOwnerID(appConfig.OwnerID)
	if err != nil {
		return nil, err
	}

	var logger *zap.Logger
	if appConfig.LogFile != "" {
		logger, err = logging.NewFileLogger(appConfig.LogLevel, appConfig.LogFile)
	} else {
		logger, err = logging.NewLogger(appConfig.LogLevel)
	}
	if err != nil {
		return nil, err
	}

	db, err := database.OpenClientSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	instance := &app{config: appConfig, logger: logger, db: db}

	store, err := localstore.NewStore(localstore.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: syncable.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		_ = instance.close()
		return nil, err
	}

	instance.remote, err = remote.NewClient(remote.ClientConfig{
		BaseURL: appConfig.ServerBaseURL,
		Tokens:  remote.StaticToken(appConfig.Token),
		Timeout: appConfig.SyncTimeout,
		Logger:  logger,
	})
	if err != nil {
		_ = instance.close()
		return nil, err
	}

	syncer, err := reconciler.New(reconciler.Config{
		Store:            store,
		Remote:           instance.remote,
		PageSize:         appConfig.PageSize,
		PushBatchSize:    appConfig.PushBatchSize,
		TieBreak:         reconciler.TieBreakPolicy(appConfig.TieBreak),
		FailureThreshold: appConfig.FailureThreshold,
		Notifier: reconciler.FailureNotifierFunc(func(owner syncable.OwnerID, kind syncable.Kind, failures int, lastErr error) {
			logger.Warn("sync keeps failing",
				zap.String("owner_id", owner.String()),
				zap.String("kind", kind.String()),
				zap.Int("failures", failures),
				zap.Error(lastErr),
			)
		}),
		Logger: logger,
	})
	if err != nil {
		_ = instance.close()
		return nil, err
	}

	logResults := func(results []reconciler.Result) {
		for _, result := range results {
			if !result.OK() {
				logger.Warn("background sync failed", zap.String("kind", result.Kind.String()), zap.Error(result.Err))
				continue
			}
			logger.Debug("background sync complete",
				zap.String("kind", result.Kind.String()),
				zap.Int("pulled", result.Pulled),
				zap.Int("pushed", result.Pushed),
			)
		}
	}
	instance.session, err = journal.NewSession(journal.SessionConfig{
		OwnerID:   owner,
		Store:     store,
		Syncer:    syncer,
		OnResults: logResults,
		Logger:    logger,
	})
	if err != nil {
		_ = instance.close()
		return nil, err
	}
	return instance, nil
}

func (a *app) watchConfig() journal.WatchConfig {
	return journal.WatchConfig{
		Prober:        a.remote,
		ProbeInterval: a.config.ProbeInterval,
		QuietPeriod:   a.config.QuietPeriod,
		Channel: &realtime.Config{
			URL:         a.config.ChannelURL,
			Tokens:      remote.StaticToken(a.config.Token),
			BackoffBase: a.config.BackoffBase,
			BackoffCap:  a.config.BackoffCap,
			MaxRetries:  uint64(a.config.MaxRetries),
			Logger:      a.logger,
		},
	}
}

func (a *app) close() error {
	var errs []error
	if a.session != nil {
		errs = append(errs, a.session.Close())
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
