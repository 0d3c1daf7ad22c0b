package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"marketd/observability"
)

// SettlementReporter materialises daily settlement reports joining the rows
// captured from the purchase event feed. Each run writes one CSV and one
// Parquet file per asset under a date-stamped directory.
type SettlementReporter struct {
	store     *SQLiteStore
	outputDir string
	tz        *time.Location
	nowFn     func() time.Time
	logger    *slog.Logger
}

// ReportFile references the artefacts generated for one asset.
type ReportFile struct {
	Asset       string `json:"asset"`
	CSVPath     string `json:"csvPath"`
	ParquetPath string `json:"parquetPath"`
	Count       int    `json:"count"`
}

// ReportResult summarises one export run.
type ReportResult struct {
	Day    string            `json:"day"`
	Rows   int               `json:"rows"`
	Files  []ReportFile      `json:"files"`
	Totals map[string]string `json:"totals"`
}

// NewSettlementReporter builds a reporter writing under outputDir using the
// supplied timezone for day boundaries.
func NewSettlementReporter(store *SQLiteStore, outputDir string, tz *time.Location) (*SettlementReporter, error) {
	if store == nil {
		return nil, errors.New("recon: store is required")
	}
	if outputDir == "" {
		return nil, errors.New("recon: output dir is required")
	}
	if tz == nil {
		tz = time.UTC
	}
	return &SettlementReporter{
		store:     store,
		outputDir: outputDir,
		tz:        tz,
		nowFn:     time.Now,
		logger:    slog.Default(),
	}, nil
}

// Run exports every settlement whose settled time falls on the supplied day.
func (r *SettlementReporter) Run(ctx context.Context, day time.Time) (*ReportResult, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, r.tz)
	end := start.Add(24 * time.Hour)

	rows, err := r.store.SettlementsBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("recon: load settlements: %w", err)
	}

	result := &ReportResult{
		Day:    start.Format("2006-01-02"),
		Rows:   len(rows),
		Totals: make(map[string]string),
	}
	if len(rows) == 0 {
		return result, nil
	}

	grouped := make(map[string][]SettlementRecord)
	totals := make(map[string]*big.Int)
	for _, row := range rows {
		grouped[row.Asset] = append(grouped[row.Asset], row)
		payment, ok := new(big.Int).SetString(row.Payment, 10)
		if !ok {
			payment = big.NewInt(0)
		}
		if total, exists := totals[row.Asset]; exists {
			total.Add(total, payment)
		} else {
			totals[row.Asset] = payment
		}
	}
	for asset, total := range totals {
		result.Totals[asset] = total.String()
	}

	runDir := filepath.Join(r.outputDir, start.Format("20060102"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: ensure output dir: %w", err)
	}
	for asset, entries := range grouped {
		csvPath := filepath.Join(runDir, asset+".csv")
		if err := writeSettlementCSV(csvPath, entries); err != nil {
			return nil, err
		}
		observability.Gateway().RecordReconExport("csv", len(entries))

		parquetPath := filepath.Join(runDir, asset+".parquet")
		if err := writeSettlementParquet(parquetPath, entries); err != nil {
			return nil, err
		}
		observability.Gateway().RecordReconExport("parquet", len(entries))

		r.logger.Info("settlement report written",
			"asset", asset, "rows", len(entries), "csv", csvPath, "parquet", parquetPath)
		result.Files = append(result.Files, ReportFile{
			Asset:       asset,
			CSVPath:     csvPath,
			ParquetPath: parquetPath,
			Count:       len(entries),
		})
	}
	return result, nil
}

// RunDaily exports the previous day's report shortly after each midnight.
func (r *SettlementReporter) RunDaily(ctx context.Context) {
	for {
		now := r.nowFn().In(r.tz)
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 5, 0, 0, r.tz).Add(24 * time.Hour)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			day := r.nowFn().In(r.tz).AddDate(0, 0, -1)
			if _, err := r.Run(ctx, day); err != nil {
				r.logger.Error("daily settlement report", "error", err)
			}
		}
	}
}

func writeSettlementCSV(path string, rows []SettlementRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"sequence", "listing_id", "asset", "buyer", "seller", "quantity", "payment", "settled_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatUint(row.Sequence, 10),
			strconv.FormatUint(row.ListingID, 10),
			row.Asset,
			row.Buyer,
			row.Seller,
			row.Quantity,
			row.Payment,
			row.SettledAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetSettlement struct {
	Sequence  int64  `parquet:"name=sequence, type=INT64"`
	ListingID int64  `parquet:"name=listing_id, type=INT64"`
	Asset     string `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Buyer     string `parquet:"name=buyer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Seller    string `parquet:"name=seller, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quantity  string `parquet:"name=quantity, type=BYTE_ARRAY, convertedtype=UTF8"`
	Payment   string `parquet:"name=payment, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettledAt string `parquet:"name=settled_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeSettlementParquet(path string, rows []SettlementRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetSettlement), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetSettlement{
			Sequence:  int64(row.Sequence),
			ListingID: int64(row.ListingID),
			Asset:     row.Asset,
			Buyer:     row.Buyer,
			Seller:    row.Seller,
			Quantity:  row.Quantity,
			Payment:   row.Payment,
			SettledAt: row.SettledAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}
