package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
)

// analyzeLine is one JSON line of analyze output.
type analyzeLine struct {
	*audit.Result
	Input  string `json:"input"`
	Error  string `json:"error,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func newAnalyzeCmd() *cobra.Command {
	var opts audit.Options

	cmd := &cobra.Command{
		Use:   "analyze <url> [url...]",
		Short: "Audit one or more URLs and print the scores as JSON lines",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			logger := a.Logger().Named("analyze")
			enc := json.NewEncoder(cmd.OutOrStdout())

			failed := 0
			for _, raw := range args {
				line := analyzeLine{Input: raw}
				res, err := a.Analyzer().Analyze(cmd.Context(), raw, opts)
				if err != nil {
					failed++
					ae := audit.AsError(err)
					line.Error = err.Error()
					line.Kind = ae.Kind.String()
					line.Reason = string(ae.Reason)
					logger.Warn("analysis failed", zap.String("url", raw), zap.Error(err))
				} else {
					line.Result = &res
				}
				if err := enc.Encode(line); err != nil {
					return fmt.Errorf("write result: %w", err)
				}
				if cmd.Context().Err() != nil {
					break
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d analyses failed", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.SkipCache, "skip-cache", false, "ignore cached results and run a live audit")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 0, "total attempts per URL (0 uses the configured value)")
	cmd.Flags().IntVar(&opts.BaseTimeoutSeconds, "timeout", 0, "first attempt timeout in seconds (0 uses the configured value)")

	return cmd
}
