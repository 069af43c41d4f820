package samplestore

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	SamplesFile    = "samples.csv"
	ExpressionFile = "expression.csv"
)

const importBatch = 5000

// ImportDir loads samples.csv and expression.csv from dir.
//
//	samples.csv:    sample_id,donor,mni_x,mni_y,mni_z
//	expression.csv: sample_id,gene,value[,informative]
//
// A missing informative column counts every measurement as informative.
func (s *Store) ImportDir(ctx context.Context, dir string) (Stats, error) {
	if err := s.importSamples(ctx, filepath.Join(dir, SamplesFile)); err != nil {
		return Stats{}, err
	}
	if err := s.importExpression(ctx, filepath.Join(dir, ExpressionFile)); err != nil {
		return Stats{}, err
	}
	st, err := s.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	log.Printf("[samplestore] imported %s: donors=%d samples=%d genes=%d measurements=%d",
		dir, st.Donors, st.Samples, st.Genes, st.Measurements)
	return st, nil
}

func (s *Store) importSamples(ctx context.Context, path string) error {
	var samples []Sample
	err := readCSV(path, []string{"sample_id", "donor", "mni_x", "mni_y", "mni_z"}, 5, func(rec []string) error {
		id, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid sample_id %q", rec[0])
		}
		smp := Sample{ID: id, Donor: rec[1]}
		for i := 0; i < 3; i++ {
			v, err := strconv.ParseFloat(rec[2+i], 64)
			if err != nil {
				return fmt.Errorf("invalid coordinate %q for sample %d", rec[2+i], id)
			}
			smp.MNI[i] = v
		}
		samples = append(samples, smp)
		return nil
	})
	if err != nil {
		return err
	}
	return s.AddSamples(ctx, samples)
}

func (s *Store) importExpression(ctx context.Context, path string) error {
	batch := make([]Measurement, 0, importBatch)
	err := readCSV(path, []string{"sample_id", "gene", "value"}, 3, func(rec []string) error {
		id, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid sample_id %q", rec[0])
		}
		v, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return fmt.Errorf("invalid value %q for %s/%d", rec[2], rec[1], id)
		}
		m := Measurement{SampleID: id, Gene: rec[1], Value: v, Informative: true}
		if len(rec) > 3 {
			m.Informative, err = strconv.ParseBool(rec[3])
			if err != nil {
				return fmt.Errorf("invalid informative flag %q", rec[3])
			}
		}
		batch = append(batch, m)
		if len(batch) == importBatch {
			if err := s.AddMeasurements(ctx, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.AddMeasurements(ctx, batch)
}

// readCSV checks that the header starts with want and calls fn for each row
// with at least minFields fields.
func readCSV(path string, want []string, minFields int, fn func([]string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	if len(header) < len(want) {
		return fmt.Errorf("%s: header %v (expected %s)", path, header, strings.Join(want, ","))
	}
	for i, col := range want {
		if strings.TrimSpace(header[i]) != col {
			return fmt.Errorf("%s: header %v (expected %s)", path, header, strings.Join(want, ","))
		}
	}

	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		line++
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if len(rec) < minFields {
			return fmt.Errorf("%s:%d: expected %d fields, got %d", path, line, minFields, len(rec))
		}
		if err := fn(rec); err != nil {
			return fmt.Errorf("%s:%d: %w", path, line, err)
		}
	}
}
