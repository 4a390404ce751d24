package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloo-solutions/strata/internal/jobs"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func SweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one tiering sweep",
		Long:  "Reclassify every candidate item once and, with --retention, evict conversation turns past retention",
		Args:  cobra.NoArgs,
		RunE:  runSweep,
	}

	cmd.Flags().StringP("output", "o", "text", "Output format (text or json)")
	cmd.Flags().Bool("retention", false, "Also evict conversation turns older than STRATA_SESSION_RETENTION")

	return cmd
}

type sweepOutput struct {
	Tiering      jobs.SweepReport `json:"tiering"`
	TurnsEvicted *int64           `json:"turns_evicted,omitempty"`
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outputFormat, _ := cmd.Flags().GetString("output")
	retention, _ := cmd.Flags().GetBool("retention")

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	var out sweepOutput
	out.Tiering, err = app.Tiering.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("tiering sweep failed: %w", err)
	}

	if retention {
		evicted, err := app.Conversation.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("retention sweep failed: %w", err)
		}
		out.TurnsEvicted = &evicted
	}

	logger.Debug("sweep finished", zap.Int("scanned", out.Tiering.Scanned))

	if outputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	r := out.Tiering
	fmt.Printf("Scanned:   %d\nPromoted:  %d\nDemoted:   %d\nUnchanged: %d\nFailed:    %d\n",
		r.Scanned, r.Promoted, r.Demoted, r.Unchanged, r.Failed)
	if out.TurnsEvicted != nil {
		fmt.Printf("Turns evicted: %d\n", *out.TurnsEvicted)
	}
	return nil
}
