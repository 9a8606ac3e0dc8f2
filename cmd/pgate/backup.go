package main

import (
	"context"
	"errors"
	"fmt"

	"preview-gate/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// openStore opens the configured store without the in-memory fallback:
// offline commands must see the real data or fail. Badger holds a directory
// lock, so stop the server first.
func openStore() (store.Store, error) {
	if cfg.StoreDriver == store.DriverBadger {
		st, err := store.NewBadgerStore(cfg.BadgerPath, logger)
		if err != nil {
			return nil, fmt.Errorf("open badger at %s: %w", cfg.BadgerPath, err)
		}
		return st, nil
	}
	return store.Open(cfg.StoreOptions(), logger)
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Upload a snapshot of the store to S3 and rotate old snapshots",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.BackupEnabled() {
			return errors.New("backup: PGATE_S3_BUCKET is not set")
		}
		ctx := context.Background()
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		items, err := st.All(ctx)
		if err != nil {
			return err
		}
		b, err := newBackuper(ctx)
		if err != nil {
			return err
		}
		key, err := b.Backup(ctx, items)
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

var restoreKey string

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Write a snapshot from S3 back into the store (newest unless --key)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.BackupEnabled() {
			return errors.New("restore: PGATE_S3_BUCKET is not set")
		}
		ctx := context.Background()
		b, err := newBackuper(ctx)
		if err != nil {
			return err
		}
		items, err := b.Restore(ctx, restoreKey)
		if err != nil {
			return err
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		restored := 0
		for _, item := range items {
			if err := item.Validate(); err != nil {
				logger.Warn("Skipping invalid item in snapshot", zap.String("content_id", item.ID), zap.Error(err))
				continue
			}
			if err := st.Upsert(ctx, item); err != nil {
				return err
			}
			restored++
		}
		logger.Info("Snapshot restored", zap.Int("items", restored))
		return nil
	},
}

func init() {
	restoreCmd.Flags().StringVar(&restoreKey, "key", "", "Object key of the snapshot to restore")
}
