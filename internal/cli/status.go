package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/contentpulse/datacore/internal/health"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the health of a running datacore instance",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	client := &http.Client{Timeout: 10 * time.Second}
	url := fmt.Sprintf("http://localhost:%d/health/detailed", cfg.Server.Port)

	resp, err := client.Get(url)
	if err != nil {
		slog.Error("Failed to reach health endpoint", "url", url, "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var report health.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		slog.Error("Failed to decode health report", "error", err)
		os.Exit(1)
	}

	fmt.Printf("System: %s  (pending jobs: %d, dead letters: %d)\n\n",
		report.SystemStatus, report.QueueDepth, report.DeadLetters)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "COMPONENT\tSTATUS\tLATENCY\tERROR")
	for _, c := range report.Components {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%dms\t%s\n", c.Component, c.Status, c.LatencyMs, c.Error)
	}
	_ = w.Flush()
}
