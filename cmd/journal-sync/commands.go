package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/reconciler"
	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncable"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errSyncFailed = errors.New("one or more sync passes failed")

// withApp opens the client for the duration of run.
func withApp(run func(cmd *cobra.Command, args []string, instance *app) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		instance, err := openApp()
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := instance.close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}()
		return run(cmd, args, instance)
	}
}

func newAddEntryCommand() *cobra.Command {
	var title, content string
	var syncNow bool
	cmd := &cobra.Command{
		Use:   "add-entry",
		Short: "Create a journal entry",
		RunE: withApp(func(cmd *cobra.Command, args []string, instance *app) error {
			record, err := instance.session.CreateJournalEntry(cmd.Context(), title, content)
			if err != nil {
				return err
			}
			printRecord(cmd.OutOrStdout(), record)
			return syncAfterWrite(cmd, instance, syncNow, syncable.KindJournal)
		}),
	}
	cmd.Flags().StringVar(&title, "title", "", "Entry title")
	cmd.Flags().StringVar(&content, "content", "", "Entry body")
	cmd.Flags().BoolVar(&syncNow, "sync", false, "Sync journal entries after writing")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newEditEntryCommand() *cobra.Command {
	var localID int64
	var title, content string
	var syncNow bool
	cmd := &cobra.Command{
		Use:   "edit-entry",
		Short: "Rewrite a journal entry",
		RunE: withApp(func(cmd *cobra.Command, args []string, instance *app) error {
			record, err := instance.session.UpdateJournalEntry(cmd.Context(), syncable.LocalID(localID), title, content)
			if err != nil {
				return err
			}
			printRecord(cmd.OutOrStdout(), record)
			return syncAfterWrite(cmd, instance, syncNow, syncable.KindJournal)
		}),
	}
	cmd.Flags().Int64Var(&localID, "id", 0, "Local id of the entry")
	cmd.Flags().StringVar(&title, "title", "", "Entry title")
	cmd.Flags().StringVar(&content, "content", "", "Entry body")
	cmd.Flags().BoolVar(&syncNow, "sync", false, "Sync journal entries after writing")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	var kindFlag string
	var localID int64
	var syncNow bool
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a journal entry or mood",
		RunE: withApp(func(cmd *cobra.Command, args []string, instance *app) error {
			kind, err := syncable.ParseKind(kindFlag)
			if err != nil {
				return err
			}
			record, err := instance.session.DeleteRecord(cmd.Context(), kind, syncable.LocalID(localID))
			if err != nil {
				return err
			}
			printRecord(cmd.OutOrStdout(), record)
			return syncAfterWrite(cmd, instance, syncNow, kind)
		}),
	}
	cmd.Flags().StringVar(&kindFlag, "kind", syncable.KindJournal.String(), "Record kind (journal or mood)")
	cmd.Flags().Int64Var(&localID, "id", 0, "Local id of the record")
	cmd.Flags().BoolVar(&syncNow, "sync", false, "Sync the kind after deleting")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newLogMoodCommand() *cobra.Command {
	var day string
	var syncNow bool
	cmd := &cobra.Command{
		Use:   "log-mood <mood>",
		Short: "Record the mood for a day (defaults to today)",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, instance *app) error {
			record, err := instance.session.LogMood(cmd.Context(), args[0], day)
			if err != nil {
				return err
			}
			printRecord(cmd.OutOrStdout(), record)
			return syncAfterWrite(cmd, instance, syncNow, syncable.KindMood)
		}),
	}
	cmd.Flags().StringVar(&day, "day", "", "Day as YYYY-MM-DD")
	cmd.Flags().BoolVar(&syncNow, "sync", false, "Sync moods after writing")
	return cmd
}

func newListCommand() *cobra.Command {
	var kindFlag string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live records of a kind, newest first",
		RunE: withApp(func(cmd *cobra.Command, args []string, instance *app) error {
			kind, err := syncable.ParseKind(kindFlag)
			if err != nil {
				return err
			}
			records, err := instance.session.ListRecords(cmd.Context(), kind)
			if err != nil {
				return err
			}
			for _, record := range records {
				printRecord(cmd.OutOrStdout(), record)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&kindFlag, "kind", syncable.KindJournal.String(), "Record kind (journal or mood)")
	return cmd
}

func newSyncCommand() *cobra.Command {
	var kindFlag string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one pull-then-push pass (all kinds unless --kind is set)",
		RunE: withApp(func(cmd *cobra.Command, args []string, instance *app) error {
			var results []reconciler.Result
			if kindFlag == "" {
				results = instance.session.SyncAll(cmd.Context())
			} else {
				kind, err := syncable.ParseKind(kindFlag)
				if err != nil {
					return err
				}
				results = []reconciler.Result{instance.session.TriggerSync(cmd.Context(), kind)}
			}
			return printResults(cmd.OutOrStdout(), results)
		}),
	}
	cmd.Flags().StringVar(&kindFlag, "kind", "", "Restrict the pass to one kind")
	return cmd
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay in sync until interrupted",
		RunE: withApp(func(cmd *cobra.Command, args []string, instance *app) error {
			instance.logger.Info("watching for changes",
				zap.String("server", instance.config.ServerBaseURL),
				zap.String("channel", instance.config.ChannelURL),
			)
			return instance.session.Watch(cmd.Context(), instance.watchConfig())
		}),
	}
}

func syncAfterWrite(cmd *cobra.Command, instance *app, enabled bool, kind syncable.Kind) error {
	if !enabled {
		return nil
	}
	return printResults(cmd.OutOrStdout(), []reconciler.Result{instance.session.TriggerSync(cmd.Context(), kind)})
}

func printRecord(out io.Writer, record syncable.Record) {
	remoteID := record.RemoteID.String()
	if remoteID == "" {
		remoteID = "-"
	}
	fmt.Fprintf(out, "%s\t%d\t%s\t%s\t%s\t%s\n",
		record.Kind,
		record.LocalID.Int64(),
		remoteID,
		record.SyncStatus,
		record.UpdatedAt.Time().Format("2006-01-02T15:04:05.000Z07:00"),
		record.PayloadJSON,
	)
}

func printResults(out io.Writer, results []reconciler.Result) error {
	failed := false
	for _, result := range results {
		status := "ok"
		if !result.OK() {
			failed = true
			status = "failed: " + result.Err.Error()
			if result.Retryable() {
				status += " (will retry)"
			}
		}
		fmt.Fprintf(out, "%s\tpulled=%d pushed=%d conflicts=%d rejected=%d checkpoint=%d\t%s\n",
			result.Kind,
			result.Pulled,
			result.Pushed,
			result.Conflicts,
			result.Rejected,
			result.Checkpoint.ChangedAt.Int64(),
			status,
		)
	}
	if failed {
		return errSyncFailed
	}
	return nil
}
