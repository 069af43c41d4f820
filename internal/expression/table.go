// Package expression builds and caches region-level gene expression tables
// for an atlas.
package expression

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/neurofusion/server/internal/atlas"
)

// ErrGeneNotFound means the table has no rows for a gene.
var ErrGeneNotFound = errors.New("gene not found")

// Row is one (gene, region) value. Region is the atlas label name.
type Row struct {
	Gene   string  `json:"gene"`
	Region string  `json:"region"`
	Value  float64 `json:"value"`
}

// Table is a long-form expression table with at most one row per
// (gene, region). Rows keep their insertion order.
type Table struct {
	rows   []Row
	byGene map[string][]int
	genes  []string
}

// NewTable indexes rows. A repeated (gene, region) pair is an error.
func NewTable(rows []Row) (*Table, error) {
	t := &Table{rows: rows, byGene: make(map[string][]int)}
	seen := make(map[[2]string]struct{}, len(rows))
	for i, r := range rows {
		key := [2]string{r.Gene, r.Region}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate row for gene %q region %q", r.Gene, r.Region)
		}
		seen[key] = struct{}{}
		if _, ok := t.byGene[r.Gene]; !ok {
			t.genes = append(t.genes, r.Gene)
		}
		t.byGene[r.Gene] = append(t.byGene[r.Gene], i)
	}
	sort.Strings(t.genes)
	return t, nil
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Rows returns all rows in table order. The slice must not be modified.
func (t *Table) Rows() []Row {
	return t.rows
}

// Genes returns the sorted distinct gene names.
func (t *Table) Genes() []string {
	return append([]string(nil), t.genes...)
}

// HasGene reports whether any row names gene.
func (t *Table) HasGene(gene string) bool {
	_, ok := t.byGene[gene]
	return ok
}

// ForGene returns the rows of one gene in table order, or nil.
func (t *Table) ForGene(gene string) []Row {
	idx := t.byGene[gene]
	if len(idx) == 0 {
		return nil
	}
	out := make([]Row, len(idx))
	for i, j := range idx {
		out[i] = t.rows[j]
	}
	return out
}

// RegionValues maps region name to value for one gene.
func (t *Table) RegionValues(gene string) map[string]float64 {
	out := make(map[string]float64, len(t.byGene[gene]))
	for _, j := range t.byGene[gene] {
		out[t.rows[j].Region] = t.rows[j].Value
	}
	return out
}

// Value returns the value for (gene, region).
func (t *Table) Value(gene, region string) (float64, bool) {
	for _, j := range t.byGene[gene] {
		if t.rows[j].Region == region {
			return t.rows[j].Value, true
		}
	}
	return 0, false
}

// ResolveRegions rewrites regions written as integer label indices to the
// atlas label names. Rows already named by label, or naming an index the
// atlas lacks, are kept as they are.
func (t *Table) ResolveRegions(a *atlas.Atlas) (*Table, error) {
	names := make(map[string]struct{}, len(a.Labels))
	for _, l := range a.Labels {
		names[l.Name] = struct{}{}
	}
	changed := false
	rows := make([]Row, len(t.rows))
	for i, r := range t.rows {
		rows[i] = r
		if _, ok := names[r.Region]; ok {
			continue
		}
		idx, err := strconv.Atoi(r.Region)
		if err != nil {
			continue
		}
		if name, ok := a.LabelName(int32(idx)); ok {
			rows[i].Region = name
			changed = true
		}
	}
	if !changed {
		return t, nil
	}
	return NewTable(rows)
}
