// SPDX-License-Identifier: GPL-3.0-or-later
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/CrawX/go-imap-notifier/domain"

	"github.com/xuri/excelize/v2"
)

type Format string

const (
	FormatCSV  = Format("csv")
	FormatXLSX = Format("xlsx")

	SheetName = "History"
)

var header = []string{"id", "messageid", "sender", "subject", "attempt", "timestamp", "outcome", "latency", "error", "providermessageid", "final"}

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// Write exports attempts with one row per attempt in the given order.
func Write(w io.Writer, format Format, attempts []*domain.DeliveryAttempt) error {
	switch format {
	case FormatCSV:
		return writeCSV(w, attempts)
	case FormatXLSX:
		return writeXLSX(w, attempts)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

// Read parses an export created by Write.
func Read(r io.Reader, format Format) ([]*domain.DeliveryAttempt, error) {
	var rows [][]string
	var err error
	switch format {
	case FormatCSV:
		rows, err = csv.NewReader(r).ReadAll()
		if err != nil {
			return nil, fmt.Errorf("could not read csv: %w", err)
		}
	case FormatXLSX:
		rows, err = readXLSX(r)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("export is missing the header row")
	}

	attempts := []*domain.DeliveryAttempt{}
	for i, row := range rows[1:] {
		a, err := fromRow(row)
		if err != nil {
			return nil, fmt.Errorf("could not parse row %d: %w", i+2, err)
		}
		attempts = append(attempts, a)
	}
	return attempts, nil
}

func toRow(a *domain.DeliveryAttempt) []string {
	return []string{
		a.ID,
		a.MessageID,
		a.Sender,
		a.Subject,
		strconv.Itoa(a.Attempt),
		a.Timestamp.Format(time.RFC3339Nano),
		string(a.Outcome),
		a.Latency.String(),
		a.Error,
		a.ProviderMessageID,
		strconv.FormatBool(a.Final),
	}
}

func fromRow(row []string) (*domain.DeliveryAttempt, error) {
	// xlsx rows drop trailing empty cells
	for len(row) < len(header) {
		row = append(row, "")
	}

	attempt, err := strconv.Atoi(row[4])
	if err != nil {
		return nil, fmt.Errorf("could not parse attempt: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, row[5])
	if err != nil {
		return nil, fmt.Errorf("could not parse timestamp: %w", err)
	}
	latency, err := time.ParseDuration(row[7])
	if err != nil {
		return nil, fmt.Errorf("could not parse latency: %w", err)
	}
	final, err := strconv.ParseBool(row[10])
	if err != nil {
		return nil, fmt.Errorf("could not parse final: %w", err)
	}

	return &domain.DeliveryAttempt{
		ID:                row[0],
		MessageID:         row[1],
		Sender:            row[2],
		Subject:           row[3],
		Attempt:           attempt,
		Timestamp:         ts,
		Outcome:           domain.AttemptOutcome(row[6]),
		Latency:           latency,
		Error:             row[8],
		ProviderMessageID: row[9],
		Final:             final,
	}, nil
}

func writeCSV(w io.Writer, attempts []*domain.DeliveryAttempt) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("could not write csv header: %w", err)
	}
	for _, a := range attempts {
		if err := writer.Write(toRow(a)); err != nil {
			return fmt.Errorf("could not write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("could not flush csv: %w", err)
	}
	return nil
}

func writeXLSX(w io.Writer, attempts []*domain.DeliveryAttempt) error {
	f := excelize.NewFile()
	defer f.Close()

	err := f.SetSheetName(f.GetSheetName(0), SheetName)
	if err != nil {
		return fmt.Errorf("could not name sheet: %w", err)
	}

	rows := make([][]string, 0, len(attempts)+1)
	rows = append(rows, header)
	for _, a := range attempts {
		rows = append(rows, toRow(a))
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("could not address row %d: %w", i+1, err)
		}
		values := make([]interface{}, len(row))
		for j := range row {
			values[j] = row[j]
		}
		err = f.SetSheetRow(SheetName, cell, &values)
		if err != nil {
			return fmt.Errorf("could not write row %d: %w", i+1, err)
		}
	}

	err = f.SetColWidth(SheetName, "A", "K", 24)
	if err != nil {
		return fmt.Errorf("could not set column width: %w", err)
	}

	err = f.Write(w)
	if err != nil {
		return fmt.Errorf("could not write xlsx: %w", err)
	}
	return nil
}

func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("could not open xlsx: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	if err != nil {
		return nil, fmt.Errorf("could not read sheet %s: %w", SheetName, err)
	}
	return rows, nil
}
