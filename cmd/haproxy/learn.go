package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/corfr/ha-api-limiter/internal/learnstore"
)

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Inspect what learn mode has observed",
}

var learnLimit int

var learnStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List recently learned identifiers",
	Long: `Show the endpoints, entities, devices, and areas learn mode has
recorded in the learn-store, most recently seen first, along with a
per-kind count and a human-friendly "last seen" duration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		storePath := flagConfigPath + ".learn.db"
		store, err := learnstore.Open(storePath)
		if err != nil {
			return fmt.Errorf("opening learn store %s: %w", storePath, err)
		}
		defer store.Close()

		counts, err := store.Counts()
		if err != nil {
			return err
		}
		for _, kind := range []learnstore.Kind{learnstore.KindEndpoint, learnstore.KindEntity, learnstore.KindDevice, learnstore.KindArea} {
			fmt.Printf("%-10s %d learned\n", kind, counts[kind])
		}
		fmt.Println()

		hits, err := store.Stats("")
		if err != nil {
			return err
		}
		if len(hits) > learnLimit {
			hits = hits[:learnLimit]
		}

		now := time.Now()
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KIND\tIDENTIFIER\tHITS\tLAST SEEN")
		for _, h := range hits {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", h.Kind, h.ID, h.HitCount, humanize.RelTime(h.LastSeen, now, "ago", "from now"))
		}
		return tw.Flush()
	},
}

func init() {
	learnStatusCmd.Flags().IntVar(&learnLimit, "limit", 20, "Maximum number of identifiers to list")
	learnCmd.AddCommand(learnStatusCmd)
}
