// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package registry

import (
	"context"
	"encoding/csv"
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"github.com/soothill/rack-power-monitor/pkg/errors"
)

// ImportResult summarises a bulk import.
type ImportResult struct {
	Added   int      `json:"added"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// ImportCSV adds devices from Name,Address rows. A header row is optional.
// Rows whose name or address is already registered are skipped.
func (r *Registry) ImportCSV(ctx context.Context, in io.Reader) (ImportResult, error) {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var result ImportResult
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return result, errors.NewRegistryError("import", "", err)
		}
		if line == 1 && len(record) > 0 && strings.EqualFold(strings.TrimSpace(record[0]), "name") {
			continue
		}
		if len(record) < 2 {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: expected Name,Address", line))
			continue
		}

		_, err = r.Add(ctx, AddRequest{Name: record[0], Address: record[1]})
		switch {
		case err == nil:
			result.Added++
		case stderrors.Is(err, errors.ErrDuplicate):
			result.Skipped++
		default:
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line, err))
		}
	}

	r.logger.Info().Int("added", result.Added).Int("skipped", result.Skipped).Int("errors", len(result.Errors)).
		Msg("Device import finished")
	return result, nil
}

// ExportCSV writes the device list as Name,Address rows.
func (r *Registry) ExportCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Name", "Address"}); err != nil {
		return err
	}
	for _, d := range r.List() {
		if err := cw.Write([]string{d.Name, d.Address}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
