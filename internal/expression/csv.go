package expression

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

var header = []string{"gene", "region", "value"}

// ReadCSV parses a long-form table. Columns are picked by header name:
// gene, value, and region or index (the atlas label index, resolved later
// by ResolveRegions). Other columns and the column order do not matter. A
// row with an empty or NaN value is dropped.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	hdr, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read expression header: %w", err)
	}
	cols := map[string]int{}
	for i, name := range trimAll(hdr) {
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}
	geneCol, okGene := cols["gene"]
	valueCol, okValue := cols["value"]
	regionCol, okRegion := cols["region"]
	if !okRegion {
		regionCol, okRegion = cols["index"]
	}
	if !okGene || !okValue || !okRegion {
		return nil, fmt.Errorf("unexpected expression header %v (expected gene, region and value columns)", hdr)
	}

	var rows []Row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read expression table: %w", err)
		}
		raw := strings.TrimSpace(rec[valueCol])
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q for %s/%s: %w", rec[valueCol], rec[geneCol], rec[regionCol], err)
		}
		if math.IsNaN(v) {
			continue
		}
		rows = append(rows, Row{Gene: rec[geneCol], Region: rec[regionCol], Value: v})
	}
	return NewTable(rows)
}

// ReadCSVFile reads a table from disk.
func ReadCSVFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}

// WriteCSV writes the whole table with a gene,region,value header.
func WriteCSV(w io.Writer, t *Table) error {
	return WriteRows(w, t.Rows())
}

// WriteRows writes rows with a gene,region,value header. Values use the
// shortest representation that reads back exactly.
func WriteRows(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, 3)
	for _, r := range rows {
		rec[0], rec[1], rec[2] = r.Gene, r.Region, strconv.FormatFloat(r.Value, 'g', -1, 64)
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteGeneCSV exports the rows of one gene, optionally min-max normalized.
func WriteGeneCSV(w io.Writer, t *Table, gene string, normalize bool) error {
	rows := t.ForGene(gene)
	if rows == nil {
		return fmt.Errorf("%w: %s", ErrGeneNotFound, gene)
	}
	if normalize {
		rows = NormalizeRows(rows)
	}
	return WriteRows(w, rows)
}

func trimAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.TrimSpace(strings.TrimPrefix(s, "\ufeff"))
	}
	return out
}
