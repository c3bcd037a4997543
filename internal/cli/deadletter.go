package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/contentpulse/datacore/internal/infra/kvstore"
	"github.com/contentpulse/datacore/internal/queue"
)

var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "List jobs parked in the dead-letter list",
	Run:   runDeadletter,
}

func init() {
	rootCmd.AddCommand(deadletterCmd)
}

func runDeadletter(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	store, err := kvstore.New(cfg.Store)
	if err != nil {
		slog.Error("Failed to init store", "error", err)
		os.Exit(1)
	}

	q := queue.NewRemoteQueue(cfg.Queue, store)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dead, err := q.DeadLetters(ctx)
	if err != nil {
		slog.Error("Failed to read dead-letter list", "error", err)
		os.Exit(1)
	}

	if len(dead) == 0 {
		fmt.Println("Dead-letter list is empty")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tATTEMPTS\tFAILED\tREASON")
	for _, d := range dead {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
			d.ID, d.Type, d.Attempt, d.MaxAttempts,
			d.FailedAt.Format(time.RFC3339), d.FailureReason)
	}
	_ = w.Flush()
}
