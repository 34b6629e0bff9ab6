package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bsync-project/bsync/blockstore"
	"github.com/bsync-project/bsync/nbdserve"
	"github.com/bsync-project/bsync/redolog"
	"github.com/bsync-project/bsync/store"
)

var (
	serveDBPath string
	serveLSN    uint64
	serveListen string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a past consistent point as a read-only NBD export",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.Open(serveDBPath, true, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		redo := redolog.New(db)
		cp, err := redo.ConsistentPointAt(serveLSN)
		if err != nil {
			return err
		}

		blocks, err := blockstore.New(db)
		if err != nil {
			return err
		}
		defer blocks.Close()

		snap, err := redo.Materialize(serveLSN)
		if err != nil {
			return err
		}
		defer snap.Close()

		ln, err := nbdserve.Listen(serveListen)
		if err != nil {
			return err
		}
		defer ln.Close()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			logger.Infow("serve: received shutdown signal, closing listener")
			ln.Close()
		}()

		srv := nbdserve.New(&nbdserve.BlockSource{Snapshot: snap, Blocks: blocks}, cp.Size, logger)
		logger.Infow("serve: listening", "addr", serveListen, "lsn", serveLSN, "size", cp.Size)
		return srv.Serve(ln)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveDBPath, "db", "", "path to the database file")
	serveCmd.MarkFlagRequired("db")
	serveCmd.Flags().Uint64Var(&serveLSN, "lsn", 0, "consistent-point LSN to serve")
	serveCmd.MarkFlagRequired("lsn")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", `listen address: "host:port" or "unix:/path"`)
	serveCmd.MarkFlagRequired("listen")
}
