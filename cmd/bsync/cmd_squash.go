package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/bsync-project/bsync/blockstore"
	"github.com/bsync-project/bsync/redolog"
	"github.com/bsync-project/bsync/squash"
	"github.com/bsync-project/bsync/store"
)

var (
	squashDBPath   string
	squashStartLSN uint64
	squashEndLSN   uint64
	squashDataLoss bool
	squashVacuum   bool
)

// ErrDataLossNotConfirmed is returned when squash is invoked without
// --data-loss.
var ErrDataLossNotConfirmed = errors.New("squash removes history; confirm with --data-loss")

var squashCmd = &cobra.Command{
	Use:   "squash",
	Short: "Destructively compact redo history between two consistent points",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !squashDataLoss {
			return ErrDataLossNotConfirmed
		}

		db, err := store.Open(squashDBPath, false, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		redo := redolog.New(db)
		blocks, err := blockstore.New(db)
		if err != nil {
			return err
		}
		defer blocks.Close()

		res, err := squash.Run(db, redo, blocks, squashStartLSN, squashEndLSN, squashVacuum, logger)
		if err != nil {
			return err
		}
		logger.Infow("squash complete",
			"redo_rows_deleted", res.RedoRowsDeleted,
			"consistent_points_removed", res.ConsistentPointsGone,
			"cas_rows_deleted", res.CASRowsDeleted,
			"vacuumed", res.Vacuumed,
		)
		return nil
	},
}

func init() {
	squashCmd.Flags().StringVar(&squashDBPath, "db", "", "path to the database file")
	squashCmd.MarkFlagRequired("db")
	squashCmd.Flags().Uint64Var(&squashStartLSN, "start-lsn", 0, "exclusive lower bound of the squash range (0 or a consistent point)")
	squashCmd.Flags().Uint64Var(&squashEndLSN, "end-lsn", 0, "inclusive upper bound of the squash range (a consistent point)")
	squashCmd.MarkFlagRequired("end-lsn")
	squashCmd.Flags().BoolVar(&squashDataLoss, "data-loss", false, "confirm that squash is destructive")
	squashCmd.Flags().BoolVar(&squashVacuum, "vacuum", false, "VACUUM the database file after squashing")
}
