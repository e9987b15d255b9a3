package main

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"randreply/internal/store"
)

func decisionsCmd() *cobra.Command {
	var (
		limit   int
		kind    string
		summary time.Duration
	)
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List recent engine decisions from the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := store.Open(cfg.Audit.DBPath, logger)
			if err != nil {
				return err
			}
			defer log.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			out := cmd.OutOrStdout()

			if summary > 0 {
				counts, err := log.Counts(ctx, time.Now().Add(-summary))
				if err != nil {
					return err
				}
				kinds := make([]string, 0, len(counts))
				for k := range counts {
					kinds = append(kinds, k)
				}
				sort.Strings(kinds)
				fmt.Fprintf(out, "last %s:\n", summary)
				for _, k := range kinds {
					fmt.Fprintf(out, "  %-24s %d\n", k, counts[k])
				}
				return nil
			}

			recs, err := log.Recent(ctx, kind, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tKIND\tCHANNEL\tGROUP\tUSER\tREASON\tREQUEST")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.CreatedAt.Local().Format(time.DateTime), r.Kind, r.Channel, r.GroupID, r.UserID, r.Reason, r.RequestID)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records")
	cmd.Flags().StringVar(&kind, "kind", "", "only this event kind (e.g. decision.forwarded)")
	cmd.Flags().DurationVar(&summary, "summary", 0, "print counts per kind over this window instead (e.g. 24h)")
	return cmd
}
