package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/bsync-project/bsync/blockstore"
	"github.com/bsync-project/bsync/pull"
	"github.com/bsync-project/bsync/redolog"
	"github.com/bsync-project/bsync/store"
)

var (
	replayDBPath string
	replayLSN    uint64
	replayOutput string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Write the image at an LSN to a file or block device",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.Open(replayDBPath, true, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		redo := redolog.New(db)
		cp, err := redo.ConsistentPointAt(replayLSN)
		if err != nil {
			return err
		}

		blocks, err := blockstore.New(db)
		if err != nil {
			return err
		}
		defer blocks.Close()

		snap, err := redo.Materialize(replayLSN)
		if err != nil {
			return err
		}
		defer snap.Close()

		out, err := os.OpenFile(replayOutput, os.O_WRONLY|os.O_CREATE, 0o644)
		if err != nil {
			return err
		}
		defer out.Close()

		if err := pull.Replay(snap, blocks, cp.Size, out); err != nil {
			return err
		}
		logger.Infow("replay complete", "lsn", replayLSN, "size", cp.Size, "output", replayOutput)
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayDBPath, "db", "", "path to the database file")
	replayCmd.MarkFlagRequired("db")
	replayCmd.Flags().Uint64Var(&replayLSN, "lsn", 0, "consistent-point LSN to replay")
	replayCmd.MarkFlagRequired("lsn")
	replayCmd.Flags().StringVar(&replayOutput, "output", "", "path to write the image to")
	replayCmd.MarkFlagRequired("output")
}
