package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().Bool("unresolved", false, "also list events awaiting manual review")
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pipeline counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		a, err := buildApp(cfg, 0)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		st, err := a.truth.Stats(ctx)
		if err != nil {
			return fmt.Errorf("load stats: %w", err)
		}
		topicCount, err := a.topics.Count(ctx)
		if err != nil {
			return fmt.Errorf("count topics: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "Topics\t%d\n", topicCount)
		fmt.Fprintf(w, "Records\t%d\n", st.Records)
		fmt.Fprintf(w, "Matched\t%d\n", st.Matched)
		fmt.Fprintf(w, "Pending candidates\t%d\n", st.PendingCandidates)
		fmt.Fprintf(w, "Needs reclassification\t%d\n", st.NeedsReclassification)
		fmt.Fprintf(w, "Unresolved events\t%d\n", st.UnresolvedEvents)
		w.Flush()

		if show, _ := cmd.Flags().GetBool("unresolved"); show && st.UnresolvedEvents > 0 {
			events, err := a.truth.Unresolved(ctx)
			if err != nil {
				return fmt.Errorf("list unresolved: %w", err)
			}
			fmt.Println()
			uw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(uw, "OBSERVED\tPROVIDER\tMESSAGE")
			for _, ev := range events {
				msg := ev.Message
				if len(msg) > 80 {
					msg = msg[:77] + "..."
				}
				fmt.Fprintf(uw, "%s\t%s\t%s\n", ev.ObservedAt.Format("2006-01-02 15:04:05"), ev.Provider, msg)
			}
			uw.Flush()
		}
		return nil
	},
}
