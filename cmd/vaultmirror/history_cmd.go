package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/vaultmirror/internal/history"
)

func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded run reports, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := newLoader(rootOpts).Load(newLoader(rootOpts).FilePath(rootOpts.ConfigPath))
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("report-dsn") {
				cfg.ReportDSN, _ = cmd.Flags().GetString("report-dsn")
			}
			recorder, err := history.BuildRecorderFromDSN(cfg.ReportDSN)
			if err != nil {
				return err
			}
			if recorder == nil {
				return errors.New("no report store configured (set reportDSN or --report-dsn)")
			}
			defer recorder.Close()

			reports, err := recorder.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, report := range reports {
				if err := enc.Encode(report); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of reports to print (0 prints all)")
	cmd.Flags().String("report-dsn", "", "report store to read (defaults to the configured reportDSN)")

	return cmd
}
