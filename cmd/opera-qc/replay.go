package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/alikalatearabi/opera-qc-elastic/internal/api"
	"github.com/alikalatearabi/opera-qc-elastic/internal/dataset"
)

func newReplayCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "replay <file.xlsx>",
		Short: "Re-ingest call sessions exported to a spreadsheet",
		Long: `Reads call sessions from the first sheet of an xlsx file (one column per
webhook field, matched by header name) and sends every row through the same
validation, dedup and intake queue as the webhook.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), cmd.OutOrStdout(), configPath(cmd), args[0], limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "replay at most this many rows (0 = all)")
	return cmd
}

func runReplay(ctx context.Context, out io.Writer, path, file string, limit int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := dataset.Load(file)
	if err != nil {
		return err
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}

	a, err := bootstrap(path)
	if err != nil {
		return err
	}
	defer a.close()

	ing := a.ingestor()
	summary := dataset.NewSummary()
	for _, row := range rows {
		res, err := ing.Ingest(ctx, row.Event)
		switch {
		case errors.Is(err, api.ErrInvalidEvent):
			fmt.Fprintf(out, "row %d: %v\n", row.Line, err)
			summary.Add(row, "invalid", "")
		case err != nil:
			fmt.Fprintf(out, "row %d: %v\n", row.Line, err)
			summary.Add(row, "error", "")
		case res.Job != nil:
			summary.Add(row, res.Status, res.Job.ID)
		default:
			summary.Add(row, res.Status, "")
		}
	}
	summary.Log(a.log.Component("replay"))

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
