// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/deepgp/pkg/ml/train"
)

// ReportEval reports on the command line the results of evaluating the datasets using trainer.Eval.
func ReportEval(trainer *train.Trainer, datasets ...train.Dataset) error {
	return reportEval(os.Stdout, trainer, datasets...)
}

func reportEval(out io.Writer, trainer *train.Trainer, datasets ...train.Dataset) error {
	evalMetrics := trainer.EvalMetrics()
	headers := []string{"Dataset"}
	for _, metric := range evalMetrics {
		headers = append(headers, fmt.Sprintf("%s (%s)", metric.Name(), metric.ShortName()))
	}
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return normalStyle
			}
			return rightAlignedStyle
		})
	for _, ds := range datasets {
		metricsValues, err := trainer.Eval(ds)
		if err != nil {
			return err
		}
		row := []string{ds.Name()}
		for metricIdx, metric := range evalMetrics {
			row = append(row, metric.PrettyPrint(metricsValues[metricIdx]))
		}
		table.Row(row...)
	}
	_, err := fmt.Fprintln(out, table.String())
	return err
}
