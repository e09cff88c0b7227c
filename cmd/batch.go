package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagespeed-audit/internal/app"
	"github.com/JakeFAU/pagespeed-audit/internal/audit"
	"github.com/JakeFAU/pagespeed-audit/internal/dispatcher"
	"github.com/JakeFAU/pagespeed-audit/internal/sheet"
)

type batchFlags struct {
	sheetPath string
	outPath   string
	sheetName string
	column    string
	skipCache bool
}

func newBatchCmd() *cobra.Command {
	var flags batchFlags

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Audit every URL in a spreadsheet and write the scores back",
		Long: `batch reads URLs from one column of an XLSX workbook, audits them with
the configured number of workers and writes mobile and desktop scores,
report links and errors into the columns to the right of the URLs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			return runBatch(cmd, a, flags)
		},
	}

	cmd.Flags().StringVar(&flags.sheetPath, "sheet", "", "path to the XLSX workbook holding the URLs")
	cmd.Flags().StringVar(&flags.outPath, "out", "", "where to save the scored workbook (default overwrites --sheet)")
	cmd.Flags().StringVar(&flags.sheetName, "sheet-name", "", "worksheet to read (default from config, else the active sheet)")
	cmd.Flags().StringVar(&flags.column, "column", "", "column letter holding URLs (default from config)")
	cmd.Flags().BoolVar(&flags.skipCache, "skip-cache", false, "ignore cached results and run live audits")
	_ = cmd.MarkFlagRequired("sheet")

	return cmd
}

func runBatch(cmd *cobra.Command, a *app.App, flags batchFlags) error {
	batchCfg := a.Config().Batch
	logger := a.Logger().Named("batch")

	sheetCfg := sheet.Config{
		Sheet:      batchCfg.Sheet,
		URLColumn:  batchCfg.URLColumn,
		HeaderRows: batchCfg.HeaderRows,
	}
	if flags.sheetName != "" {
		sheetCfg.Sheet = flags.sheetName
	}
	if flags.column != "" {
		sheetCfg.URLColumn = flags.column
	}

	wb, err := sheet.Open(flags.sheetPath, sheetCfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := wb.Close(); cerr != nil {
			logger.Warn("close workbook", zap.Error(cerr))
		}
	}()

	if err := wb.WriteHeaders(); err != nil {
		return err
	}
	jobs, err := wb.Jobs(a.IDs(), audit.Options{SkipCache: flags.skipCache || batchCfg.SkipCache})
	if err != nil {
		return err
	}
	logger.Info("batch starting",
		zap.String("sheet", wb.Sheet()),
		zap.Int("urls", len(jobs)),
		zap.Int("workers", batchCfg.Workers),
	)

	summary := dispatcher.NewSummary()
	runErr := a.NewDispatcher(wb, summary).RunBatch(cmd.Context(), jobs)

	// Whatever finished is written even when the run was interrupted.
	if err := wb.Save(flags.outPath); err != nil {
		return errors.Join(runErr, err)
	}

	totals := summary.Totals()
	logger.Info("batch finished",
		zap.Int("succeeded", totals.Succeeded),
		zap.Int("from_cache", totals.FromCache),
		zap.Int("failed", totals.Failed),
	)
	if err := json.NewEncoder(cmd.OutOrStdout()).Encode(totals); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return runErr
}
