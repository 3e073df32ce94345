package stores

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// CSVHeader lists the report export columns.
var CSVHeader = []string{"timestamp", "machine", "sequence", "plugin", "instance", "status", "output"}

// DirectRun names the sequence column of runs started without a sequence.
const DirectRun = "exécution_directe"

const csvTimeLayout = "2006-01-02 15:04:05"

// CSVRecord renders one result row in CSVHeader order.
func CSVRecord(run *Run, r *InstanceResult) []string {
	ts := r.FinishedAt
	if ts.IsZero() {
		ts = run.FinishedAt
	}
	machine := run.Machine
	if r.TargetIP != "" {
		machine = r.TargetIP
	}
	sequence := run.Sequence
	if sequence == "" {
		sequence = DirectRun
	}
	status := "Erreur"
	if r.Succeeded() {
		status = "Succès"
	}
	output := r.Output
	if output == "" {
		output = r.Message
	}
	output = strings.ReplaceAll(strings.ReplaceAll(output, "\r\n", " "), "\n", " ")

	return []string{
		ts.Local().Format(csvTimeLayout),
		machine,
		sequence,
		r.Plugin,
		strconv.Itoa(r.InstanceID),
		status,
		output,
	}
}

// WriteCSV writes run rows as CSV with a header line.
func WriteCSV(w io.Writer, run *Run, results []*InstanceResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, r := range results {
		if err := cw.Write(CSVRecord(run, r)); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportCSV writes the stored run id as CSV.
func (s *SQLiteStore) ExportCSV(ctx context.Context, id string, w io.Writer) error {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	results, err := s.ListResults(ctx, id)
	if err != nil {
		return err
	}
	return WriteCSV(w, run, results)
}
