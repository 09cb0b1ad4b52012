// Package reports exports a sync run's discrepancies and anomalies as an XLSX workbook.
package reports

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"bitbucket.org/mmdatafocus/stock_sync/models"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

const (
	sheetSummary       = "Summary"
	sheetDiscrepancies = "Discrepancies"
	sheetAnomalies     = "Anomalies"

	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var (
	discrepancyHeadings = []interface{}{"Warehouse", "ProductKey", "PrimaryQty", "AnalyticsQty", "Discrepancy", "Relative", "ZeroBase"}
	anomalyHeadings     = []interface{}{"Type", "Severity", "AffectedCount", "DetectedAt", "Description"}
)

// BuildWorkbook lays out one sheet per concern. The caller owns the returned file.
func BuildWorkbook(run models.SyncRun, comparisons []models.StockComparison, anomalies []models.Anomaly) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return nil, err
	}

	summary := [][]interface{}{
		{"Run", run.RunId},
		{"Channel", run.Channel.String()},
		{"Status", string(run.Status)},
		{"SnapshotDate", run.SnapshotDate},
		{"TriggeredBy", run.TriggeredBy},
		{"RecordsProcessed", run.RecordsProcessed},
		{"RecordsFailed", run.RecordsFailed},
		{"RecordsInvalid", run.RecordsInvalid},
		{"RetryCount", run.RetryCount},
		{"AnalyticsFailed", run.AnalyticsFailed},
		{"Discrepancies", len(comparisons)},
		{"Anomalies", len(anomalies)},
	}
	if run.FinishedAt != nil {
		summary = append(summary, []interface{}{"FinishedAt", run.FinishedAt.Format(time.RFC3339)})
	}
	if err := writeRows(f, sheetSummary, summary); err != nil {
		return nil, err
	}

	if _, err := f.NewSheet(sheetDiscrepancies); err != nil {
		return nil, err
	}
	rows := [][]interface{}{discrepancyHeadings}
	for _, c := range comparisons {
		rows = append(rows, []interface{}{
			c.WarehouseName,
			c.ProductKey,
			c.PrimaryQuantity,
			c.AnalyticsQuantity,
			c.Discrepancy,
			c.RelativeDiscrepancy.InexactFloat64(),
			c.ZeroBase,
		})
	}
	if err := writeRows(f, sheetDiscrepancies, rows); err != nil {
		return nil, err
	}

	if _, err := f.NewSheet(sheetAnomalies); err != nil {
		return nil, err
	}
	rows = [][]interface{}{anomalyHeadings}
	for _, a := range anomalies {
		rows = append(rows, []interface{}{
			string(a.Type),
			string(a.Severity),
			a.AffectedCount,
			a.DetectedAt.Format(time.RFC3339),
			a.Description,
		})
	}
	if err := writeRows(f, sheetAnomalies, rows); err != nil {
		return nil, err
	}
	return f, nil
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

// WriteRunReport loads the run with its comparisons and anomalies and streams the workbook to w.
func WriteRunReport(ctx context.Context, db *gorm.DB, runId uint, w io.Writer) (*models.SyncRun, error) {
	run, err := models.GetSyncRun(ctx, db, runId)
	if err != nil {
		return nil, err
	}
	comparisons, err := models.ListStockComparisons(ctx, db, runId)
	if err != nil {
		return nil, err
	}
	anomalies, err := models.ListAnomalies(ctx, db, runId)
	if err != nil {
		return nil, err
	}
	f, err := BuildWorkbook(*run, comparisons, anomalies)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := f.Write(w); err != nil {
		return nil, err
	}
	return run, nil
}

func ObjectName(run models.SyncRun) string {
	return fmt.Sprintf("reports/%s/%s/discrepancies-%s.xlsx", run.Channel, run.SnapshotDate, run.RunId)
}

// Publish renders the run report and hands it to the uploader. It returns the object location.
func Publish(ctx context.Context, db *gorm.DB, up Uploader, runId uint) (string, error) {
	var buf bytes.Buffer
	run, err := WriteRunReport(ctx, db, runId, &buf)
	if err != nil {
		return "", err
	}
	return up.Upload(ctx, ObjectName(*run), ContentTypeXLSX, &buf)
}
