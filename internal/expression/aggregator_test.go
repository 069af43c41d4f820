package expression

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/neurofusion/server/internal/atlas"
	"github.com/neurofusion/server/internal/atlas/atlastest"
)

type countingSource struct {
	Source
	calls int
}

func (c *countingSource) Generate(ctx context.Context, a *atlas.Atlas) (*Table, error) {
	c.calls++
	return c.Source.Generate(ctx, a)
}

type failingSource struct{}

func (failingSource) Kind() string { return KindAHBA }

func (failingSource) Generate(context.Context, *atlas.Atlas) (*Table, error) {
	return nil, errors.New("store offline")
}

func TestSynthetic_Deterministic(t *testing.T) {
	ctx := context.Background()
	a := atlastest.New(t, atlas.Res2mm)

	encode := func(seed uint64) []byte {
		tbl, err := (&SyntheticSource{Seed: seed, NGenes: DefaultNGenes}).Generate(ctx, a)
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		var buf bytes.Buffer
		if err := WriteCSV(&buf, tbl); err != nil {
			t.Fatal(err)
		}
		return buf.Bytes()
	}

	first, second := encode(DefaultSeed), encode(DefaultSeed)
	if !bytes.Equal(first, second) {
		t.Fatal("same seed produced different CSV content")
	}
	if bytes.Equal(first, encode(DefaultSeed+1)) {
		t.Error("different seeds produced identical content")
	}

	tbl, err := ReadCSV(bytes.NewReader(first))
	if err != nil {
		t.Fatal(err)
	}
	genes := tbl.Genes()
	if len(genes) != 100 || genes[0] != "GENE001" || genes[99] != "GENE100" {
		t.Errorf("unexpected synthetic genes: %d, %v..%v", len(genes), genes[0], genes[len(genes)-1])
	}
	if tbl.Len() != 100*len(a.Labels) {
		t.Errorf("expected one row per (gene, label): %d", tbl.Len())
	}
}

func TestAggregate_ReadThrough(t *testing.T) {
	ctx := context.Background()
	a := atlastest.New(t, atlas.Res2mm)
	src := &countingSource{Source: &SyntheticSource{Seed: DefaultSeed, NGenes: 5}}
	agg := NewAggregator(src, filepath.Join(t.TempDir(), "expression"))

	first, err := agg.Aggregate(ctx, a)
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if first.Cached || first.Manifest.Source != KindSynthetic {
		t.Errorf("unexpected first result: cached=%v manifest=%+v", first.Cached, first.Manifest)
	}
	tablePath, manifestPath := agg.CachePaths(a.Name)
	if filepath.Base(tablePath) != "ahba_Tiny-Cort.csv" {
		t.Errorf("unexpected cache file name %s", tablePath)
	}
	before, err := os.ReadFile(tablePath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(manifestPath); err != nil {
		t.Fatalf("manifest missing: %v", err)
	}

	second, err := agg.Aggregate(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached || src.calls != 1 {
		t.Errorf("second call should be served from cache (calls=%d)", src.calls)
	}
	after, _ := os.ReadFile(tablePath)
	if !bytes.Equal(before, after) {
		t.Error("cache hit rewrote the cache file")
	}
	for _, r := range first.Table.Rows() {
		if v, ok := second.Table.Value(r.Gene, r.Region); !ok || v != r.Value {
			t.Fatalf("%s/%s changed across the cache: %v vs %v", r.Gene, r.Region, r.Value, v)
		}
	}
}

func TestAggregate_FailureWritesNothing(t *testing.T) {
	a := atlastest.New(t, atlas.Res2mm)
	agg := NewAggregator(failingSource{}, t.TempDir())

	if _, err := agg.Aggregate(context.Background(), a); err == nil {
		t.Fatal("expected error")
	}
	tablePath, manifestPath := agg.CachePaths(a.Name)
	for _, p := range []string{tablePath, manifestPath} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s should not exist after a failure", p)
		}
	}
	entries, _ := os.ReadDir(filepath.Dir(tablePath))
	if len(entries) != 0 {
		t.Errorf("leftover files: %v", entries)
	}
}

func TestAggregate_StaleManifestRegenerates(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{Source: &SyntheticSource{Seed: DefaultSeed, NGenes: 3}}
	agg := NewAggregator(src, t.TempDir())

	if _, err := agg.Aggregate(ctx, atlastest.New(t, atlas.Res2mm)); err != nil {
		t.Fatal(err)
	}

	labels := atlastest.Labels()
	labels[2].Name = "Region B prime"
	renamed, err := atlas.New(atlastest.Name, atlas.Res2mm, atlastest.Image(), labels, 0)
	if err != nil {
		t.Fatal(err)
	}
	res, err := agg.Aggregate(ctx, renamed)
	if err != nil {
		t.Fatal(err)
	}
	if res.Cached || src.calls != 2 {
		t.Fatalf("expected regeneration, cached=%v calls=%d", res.Cached, src.calls)
	}
	if _, ok := res.Table.Value("GENE001", "Region B prime"); !ok {
		t.Error("regenerated table does not use the new label names")
	}
}

func TestAggregate_AcceptsCacheWithoutManifest(t *testing.T) {
	a := atlastest.New(t, atlas.Res2mm)
	src := &countingSource{Source: &SyntheticSource{}}
	agg := NewAggregator(src, t.TempDir())

	tablePath, _ := agg.CachePaths(a.Name)
	csv := "index,gene,value\n1,GRIN1,0.75\n2,GRIN1,-0.5\n"
	if err := os.WriteFile(tablePath, []byte(csv), 0644); err != nil {
		t.Fatal(err)
	}

	res, err := agg.Aggregate(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if src.calls != 0 || !res.Cached {
		t.Fatal("existing cache file should be used verbatim")
	}
	if v, ok := res.Table.Value("GRIN1", atlastest.RegionA); !ok || v != 0.75 {
		t.Errorf("GRIN1/%s = %v, %v", atlastest.RegionA, v, ok)
	}
	if got := strings.Join(res.Table.Genes(), ","); got != "GRIN1" {
		t.Errorf("genes = %s", got)
	}
}
