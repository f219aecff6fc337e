package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/atelierops/pipewatch/internal/sources"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate current spend against thresholds once and print the result",
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fetchers := sources.Fetchers(sourcePaths(cfg), logger)
	spend, err := fetchers.Spend(ctx)
	if err != nil {
		return fmt.Errorf("read spend source: %w", err)
	}

	engine := initEngine(cfg, logger)
	alerts := engine.Evaluate(spend)

	if len(alerts) == 0 {
		fmt.Printf("%d services within budget, no alerts\n", len(spend))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEVERITY\tSERVICE\tPERIOD\tSPEND\tTHRESHOLD\tOVERRUN")
	for _, a := range alerts {
		fmt.Fprintf(w, "%s\t%s\t%s\t$%.2f\t$%.2f\t$%.2f\n",
			a.Severity, a.Service, a.Period, a.CurrentCost, a.Threshold, a.Overrun)
	}
	return w.Flush()
}
