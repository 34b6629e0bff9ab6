package main

import (
	"github.com/spf13/cobra"

	"github.com/bsync-project/bsync/blockstore"
	"github.com/bsync-project/bsync/config"
	"github.com/bsync-project/bsync/pull"
	"github.com/bsync-project/bsync/redolog"
	"github.com/bsync-project/bsync/store"
	"github.com/bsync-project/bsync/transport"
)

var pullConfigPath string

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Perform one incremental pull from the configured remote image",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(pullConfigPath)
		if err != nil {
			return err
		}

		exec, closeExec, err := dialRemote(cfg)
		if err != nil {
			return err
		}
		defer closeExec()

		db, err := store.Open(cfg.Local.DB, false, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		blocks, err := blockstore.New(db)
		if err != nil {
			return err
		}
		defer blocks.Close()

		redo := redolog.New(db)
		engine := pull.New(exec, cfg, db, blocks, redo, logger)

		res, err := engine.Run(cmd.Context())
		if err != nil {
			return err
		}

		logger.Infow("pull complete",
			"base_lsn", res.BaseLSN,
			"final_lsn", res.FinalLSN,
			"remote_size", res.RemoteSize,
			"fetched", res.Fetched,
			"assumed_same", res.AssumedSame,
		)
		return nil
	},
}

func init() {
	pullCmd.Flags().StringVar(&pullConfigPath, "config", "", "path to the YAML configuration file")
	pullCmd.MarkFlagRequired("config")
}

// dialRemote opens the SSH RemoteExec configured by cfg.Remote, along
// with a close function the caller must always run.
func dialRemote(cfg *config.Config) (transport.RemoteExec, func(), error) {
	sshExec, err := transport.Dial(transport.SSHConfig{
		Host:    cfg.Remote.Server,
		Port:    cfg.Remote.Port,
		User:    cfg.Remote.User,
		KeyPath: cfg.Remote.Key,
		Verify:  cfg.Remote.Verify,
	})
	if err != nil {
		return nil, func() {}, err
	}
	return sshExec, func() { sshExec.Close() }, nil
}
