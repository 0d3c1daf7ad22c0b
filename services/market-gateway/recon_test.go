package main

import (
	"context"
	"encoding/csv"
	"os"
	"testing"
	"time"
)

func TestSettlementReportGroupsByAsset(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore("file:recondb?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()

	day := time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)
	records := []SettlementRecord{
		{Sequence: 1, ListingID: 7, Asset: "GOOD", Buyer: "mkt1buyer", Seller: "mkt1seller", Quantity: "2", Payment: "100", SettledAt: day.Add(10 * time.Hour)},
		{Sequence: 2, ListingID: 7, Asset: "GOOD", Buyer: "mkt1buyer", Seller: "mkt1seller", Quantity: "5", Payment: "250", SettledAt: day.Add(11 * time.Hour)},
		{Sequence: 3, ListingID: 9, Asset: "OTHER", Buyer: "mkt1other", Seller: "mkt1seller", Quantity: "1", Payment: "50", SettledAt: day.Add(12 * time.Hour)},
		{Sequence: 4, ListingID: 9, Asset: "OTHER", Buyer: "mkt1other", Seller: "mkt1seller", Quantity: "1", Payment: "999", SettledAt: day.Add(36 * time.Hour)},
	}
	for _, record := range records {
		if err := store.InsertSettlement(ctx, record); err != nil {
			t.Fatalf("insert settlement %d: %v", record.Sequence, err)
		}
	}

	outputDir := t.TempDir()
	reporter, err := NewSettlementReporter(store, outputDir, time.UTC)
	if err != nil {
		t.Fatalf("reporter: %v", err)
	}

	result, err := reporter.Run(ctx, day)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Day != "2024-03-15" {
		t.Fatalf("unexpected day %s", result.Day)
	}
	if result.Rows != 3 {
		t.Fatalf("expected 3 rows inside the window, got %d", result.Rows)
	}
	if result.Totals["GOOD"] != "350" {
		t.Fatalf("expected GOOD total 350, got %s", result.Totals["GOOD"])
	}
	if result.Totals["OTHER"] != "50" {
		t.Fatalf("expected OTHER total 50, got %s", result.Totals["OTHER"])
	}
	if len(result.Files) != 2 {
		t.Fatalf("expected two asset files, got %d", len(result.Files))
	}

	var good *ReportFile
	for i := range result.Files {
		if result.Files[i].Asset == "GOOD" {
			good = &result.Files[i]
		}
	}
	if good == nil {
		t.Fatal("missing GOOD report file")
	}
	if good.Count != 2 {
		t.Fatalf("expected 2 GOOD rows, got %d", good.Count)
	}

	file, err := os.Open(good.CSVPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "sequence" || rows[0][7] != "settled_at" {
		t.Fatalf("unexpected header %v", rows[0])
	}
	if rows[1][0] != "1" || rows[1][6] != "100" {
		t.Fatalf("unexpected first row %v", rows[1])
	}
	if rows[1][7] != "2024-03-15T10:00:00Z" {
		t.Fatalf("unexpected settled_at %s", rows[1][7])
	}

	info, err := os.Stat(good.ParquetPath)
	if err != nil {
		t.Fatalf("stat parquet: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("expected non-empty parquet file")
	}
}

func TestSettlementReportEmptyDay(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore("file:reconempty?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()

	reporter, err := NewSettlementReporter(store, t.TempDir(), time.UTC)
	if err != nil {
		t.Fatalf("reporter: %v", err)
	}
	result, err := reporter.Run(ctx, time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Rows != 0 || len(result.Files) != 0 {
		t.Fatalf("expected empty report, got %+v", result)
	}
}
