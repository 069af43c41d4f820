package samplestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestOpen_Missing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "none.db"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestImportDir(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, SamplesFile), `sample_id,donor,mni_x,mni_y,mni_z
1,H0351.2001,-2,0,0
2,H0351.2001,2,0,0
3,H0351.2002,0.5,1,-1
`)
	writeFile(t, filepath.Join(dir, ExpressionFile), `sample_id,gene,value,informative
1,GRIN1,5.5,true
2,GRIN1,6.0,true
3,GRIN1,4.0,false
1,PVALB,1.0,false
2,PVALB,2.0,false
`)

	dbPath := filepath.Join(t.TempDir(), "sub", "samples.db")
	store, err := Create(dbPath)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer store.Close()

	st, err := store.ImportDir(ctx, dir)
	if err != nil {
		t.Fatalf("ImportDir failed: %v", err)
	}
	want := Stats{Donors: 2, Samples: 3, Genes: 2, Measurements: 5}
	if st != want {
		t.Errorf("expected %+v, got %+v", want, st)
	}

	samples, err := store.Samples(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 3 || samples[2].MNI != [3]float64{0.5, 1, -1} || samples[2].Donor != "H0351.2002" {
		t.Errorf("unexpected samples %+v", samples)
	}

	frac, err := store.InformativeFractions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := frac["GRIN1"]; got < 0.66 || got > 0.67 {
		t.Errorf("GRIN1 informative fraction = %v", got)
	}
	if frac["PVALB"] != 0 {
		t.Errorf("PVALB informative fraction = %v", frac["PVALB"])
	}

	var genes []string
	err = store.Measurements(ctx, func(m Measurement) error {
		if len(genes) == 0 || genes[len(genes)-1] != m.Gene {
			genes = append(genes, m.Gene)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(genes) != 2 || genes[0] != "GRIN1" || genes[1] != "PVALB" {
		t.Errorf("measurements not grouped by gene: %v", genes)
	}

	// Reopening an existing file goes through Open.
	store.Close()
	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reopened.Close()
	if st2, _ := reopened.Stats(ctx); st2 != want {
		t.Errorf("reopened stats %+v", st2)
	}
}

func TestImportDir_DefaultsInformative(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, SamplesFile), "sample_id,donor,mni_x,mni_y,mni_z\n7,D1,0,0,0\n")
	writeFile(t, filepath.Join(dir, ExpressionFile), "sample_id,gene,value\n7,SST,3.25\n")

	store, err := Create(filepath.Join(t.TempDir(), "samples.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := store.ImportDir(ctx, dir); err != nil {
		t.Fatalf("ImportDir failed: %v", err)
	}
	frac, err := store.InformativeFractions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if frac["SST"] != 1 {
		t.Errorf("expected SST to be informative, got %v", frac["SST"])
	}
}

func TestImportDir_BadHeader(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, SamplesFile), "id,donor,x,y,z\n1,D1,0,0,0\n")

	store, err := Create(filepath.Join(t.TempDir(), "samples.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := store.ImportDir(context.Background(), dir); err == nil {
		t.Fatal("expected header error")
	}
}
