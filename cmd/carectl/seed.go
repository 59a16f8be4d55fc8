package main

import (
	"fmt"

	"carelink/internal/seed"

	"github.com/spf13/cobra"
)

func seedCmd() *cobra.Command {
	opts := seed.Options{}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Populate the database with demo patients, doctors and requests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, _, err := connect(false)
			if err != nil {
				return err
			}
			summary, err := seed.Seed(db, opts)
			if err != nil {
				return fmt.Errorf("seed failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded doctors=%d patients=%d requests=%d dry_run=%t\n",
				summary.Doctors, summary.Patients, summary.Requests, opts.DryRun)
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.Doctors, "doctors", 5, "number of doctors to create")
	f.IntVar(&opts.Patients, "patients", 20, "number of patients to create")
	f.IntVar(&opts.Requests, "requests", 40, "number of connection requests to create")
	f.IntVar(&opts.MaxDays, "max-days", 14, "spread request creation over this many past days")
	f.Int64Var(&opts.RandSeed, "rand-seed", 0, "fixed random seed, 0 uses the clock")
	f.BoolVar(&opts.ShouldClean, "clean", false, "truncate consent tables first")
	f.BoolVar(&opts.DryRun, "dry-run", false, "build records without writing them")

	return cmd
}
