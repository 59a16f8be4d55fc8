package main

import (
	"fmt"

	"carelink/internal/cache"
	"carelink/internal/repository"
	"carelink/internal/service"

	"github.com/spf13/cobra"
)

func reconcileCmd() *cobra.Command {
	var (
		limit int
		scan  bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Replay consent writes that failed after the decision was recorded",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, rdb, err := connect(true)
			if err != nil {
				return err
			}
			defer func() { _ = cache.Close() }()

			q := service.NewReconcileQueue(rdb,
				repository.NewRosterRepository(db),
				repository.NewRequestRepository(db))

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if scan {
				n, err := q.Scan(ctx, repository.NewConsentRepository(db), repository.NewProfileRepository(db), limit)
				if err != nil {
					return fmt.Errorf("scan failed: %w", err)
				}
				fmt.Fprintf(out, "queued %d missing roster row(s)\n", n)
			}

			res, err := q.Drain(ctx, limit)
			if err != nil {
				return fmt.Errorf("drain failed: %w", err)
			}
			depth, _ := q.Depth(ctx)
			fmt.Fprintf(out, "applied=%d requeued=%d discarded=%d remaining=%d\n",
				res.Applied, res.Requeued, res.Discarded, depth)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum tasks to replay")
	cmd.Flags().BoolVar(&scan, "scan", false, "first queue roster inserts for accepted decisions missing a roster row")
	return cmd
}
