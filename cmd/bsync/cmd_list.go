package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bsync-project/bsync/redolog"
	"github.com/bsync-project/bsync/store"
)

var (
	listDBPath string
	listJSON   bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the consistent points recorded in a local store",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.Open(listDBPath, true, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		cps, err := redolog.New(db).ConsistentPoints()
		if err != nil {
			return err
		}

		if listJSON {
			return printConsistentPointsJSON(cps)
		}
		return printConsistentPointsTable(cps)
	},
}

func init() {
	listCmd.Flags().StringVar(&listDBPath, "db", "", "path to the database file")
	listCmd.MarkFlagRequired("db")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "output as JSON instead of a table")
}

type consistentPointJSON struct {
	LSN       uint64 `json:"lsn"`
	Size      uint64 `json:"size"`
	CreatedAt int64  `json:"created_at"`
}

func printConsistentPointsJSON(cps []redolog.ConsistentPoint) error {
	out := make([]consistentPointJSON, len(cps))
	for i, cp := range cps {
		out[i] = consistentPointJSON{LSN: cp.LSN, Size: cp.Size, CreatedAt: cp.CreatedAt}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func printConsistentPointsTable(cps []redolog.ConsistentPoint) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LSN\tSIZE\tCREATED_AT")
	for _, cp := range cps {
		fmt.Fprintf(w, "%d\t%d\t%s\n", cp.LSN, cp.Size, time.Unix(cp.CreatedAt, 0).UTC().Format(time.RFC3339))
	}
	return w.Flush()
}
