package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"neuroview/internal/config"
	"neuroview/internal/ml"
	"neuroview/internal/report"
)

func main() {
	var outPath string

	rootCmd := &cobra.Command{
		Use:   "classify <path>",
		Short: "Classify ZIP studies against the inference service and write an XLSX report",
		Long: "Accepts a single ZIP archive of DICOM files, or a directory of such " +
			"archives, classifies each study via the inference service and writes a " +
			"tabular report with identifiers, probabilities and processing status.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], outPath)
		},
	}
	rootCmd.Flags().StringVarP(&outPath, "out", "o", "", "output XLSX path (default classification-report-<ts>.xlsx)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, inputPath, outPath string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	cfg := config.Load()
	gateway := ml.NewClient(ml.Config{
		BaseURL:     cfg.MLServiceURL,
		ClassifyURL: cfg.MLClassifyURL,
		Timeout:     cfg.MLTimeout,
	}, logger)

	targets, err := report.CollectTargets(inputPath)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		logger.Warn("no .zip studies found", zap.String("path", inputPath))
		return nil
	}

	rows := make([]report.Row, 0, len(targets))
	for _, target := range targets {
		logger.Info("classifying study", zap.String("path", target))
		rows = append(rows, report.ClassifyStudy(cmd.Context(), gateway, target))
	}

	if outPath == "" {
		outPath = fmt.Sprintf("classification-report-%d.xlsx", time.Now().UnixMilli())
	}
	if err := report.WriteXLSX(rows, outPath); err != nil {
		return err
	}

	logger.Info("report written", zap.String("path", outPath), zap.Int("studies", len(rows)))
	return nil
}
