package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/unkn0wn-root/blobcache"
	"github.com/unkn0wn-root/blobcache/durable"
)

func newResetCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete every persisted blob",
		Long:  "Delete every persisted blob. Running caches keep their in-memory entries.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx, cmd, v)
			if err != nil {
				return err
			}
			defer e.close()

			fields := blobcache.Fields{}
			if fs, ok := e.store.(*durable.FileStore); ok {
				if n, size, err := fs.Entries(); err == nil {
					fields["entries"] = n
					fields["size"] = humanize.Bytes(uint64(size))
				}
			}
			if err := e.store.Reset(ctx); err != nil {
				return fmt.Errorf("reset: %w", err)
			}
			e.log.Info("store reset", fields)
			return nil
		},
	}
}

func newStatsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the number and total size of persisted blobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(cmd.Context(), cmd, v)
			if err != nil {
				return err
			}
			defer e.close()

			fs, ok := e.store.(*durable.FileStore)
			if !ok {
				return fmt.Errorf("stats needs the file store")
			}
			n, size, err := fs.Entries()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d entries, %s in %s\n", n, humanize.Bytes(uint64(size)), fs.Dir())
			return nil
		},
	}
}
