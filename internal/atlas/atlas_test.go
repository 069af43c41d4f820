package atlas_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/neurofusion/server/internal/atlas"
	"github.com/neurofusion/server/internal/atlas/atlastest"
)

func TestParseResolution(t *testing.T) {
	for _, in := range []string{"1", "1mm", " 1mm "} {
		r, err := atlas.ParseResolution(in)
		if err != nil || r != atlas.Res1mm {
			t.Errorf("ParseResolution(%q) = %v, %v", in, r, err)
		}
	}
	if r, err := atlas.ParseResolution("2"); err != nil || r.String() != "2mm" {
		t.Errorf("ParseResolution(2) = %v, %v", r, err)
	}
	for _, in := range []string{"3", "", "mm", "two"} {
		if _, err := atlas.ParseResolution(in); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestNew_Invariants(t *testing.T) {
	a := atlastest.New(t, atlas.Res2mm)

	seen := make(map[int]bool)
	for _, l := range a.Labels {
		if seen[l.Index] {
			t.Fatalf("duplicate label index %d", l.Index)
		}
		seen[l.Index] = true
	}
	for _, idx := range a.RegionIndices() {
		if int(idx) == a.Background {
			continue
		}
		if _, ok := a.LabelName(idx); !ok {
			t.Errorf("volume value %d has no label", idx)
		}
	}
	if got := a.RegionIndices(); len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Errorf("unexpected region indices %v", got)
	}
}

func TestNew_RejectsUnlabeledVoxel(t *testing.T) {
	img := atlastest.Image()
	img.Data[img.Index(3, 0, 0)] = 7

	_, err := atlas.New("bad", atlas.Res2mm, img, atlastest.Labels(), 0)
	if !errors.Is(err, atlas.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestNew_RejectsDuplicateIndex(t *testing.T) {
	labels := append(atlastest.Labels(), atlas.Label{Index: 2, Name: "Again"})
	_, err := atlas.New("bad", atlas.Res2mm, atlastest.Image(), labels, 0)
	if !errors.Is(err, atlas.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestWorldToVoxel(t *testing.T) {
	a := atlastest.New(t, atlas.Res2mm)

	ijk, ok := a.WorldToVoxel([3]float64{2, 0, 0})
	if !ok || ijk != [3]int{3, 1, 1} {
		t.Fatalf("WorldToVoxel = %v, %v", ijk, ok)
	}
	if a.LabelAt(ijk) != 2 {
		t.Errorf("expected Region B at %v, got %d", ijk, a.LabelAt(ijk))
	}
	if p := a.VoxelToWorld(3, 1, 1); p != [3]float64{2, 0, 0} {
		t.Errorf("VoxelToWorld = %v", p)
	}
	if _, ok := a.WorldToVoxel([3]float64{40, 0, 0}); ok {
		t.Error("expected point outside the volume")
	}
}

func TestFingerprint_IgnoresOrder(t *testing.T) {
	a := atlastest.New(t, atlas.Res2mm)
	labels := atlastest.Labels()
	labels[0], labels[2] = labels[2], labels[0]
	b, err := atlas.New(atlastest.Name, atlas.Res1mm, atlastest.Image(), labels, 0)
	if err != nil {
		t.Fatal(err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("fingerprint should not depend on label order or resolution")
	}

	labels[1].Name = "Renamed"
	c, err := atlas.New(atlastest.Name, atlas.Res2mm, atlastest.Image(), labels, 0)
	if err != nil {
		t.Fatal(err)
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("renaming a region must change the fingerprint")
	}
}

func TestParseFSLLabels(t *testing.T) {
	doc := `<?xml version="1.0" encoding="ISO-8859-1"?>
<atlas version="1.0">
  <header><name>Harvard-Oxford Cortical Structural Atlas</name></header>
  <data>
    <label index="0" x="48" y="94" z="35">Frontal Pole</label>
    <label index="1" x="25" y="70" z="32">Insular Cortex</label>
  </data>
</atlas>`
	labels, err := atlas.ParseFSLLabels(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseFSLLabels failed: %v", err)
	}
	want := []atlas.Label{{0, "Background"}, {1, "Frontal Pole"}, {2, "Insular Cortex"}}
	if len(labels) != len(want) {
		t.Fatalf("expected %d labels, got %v", len(want), labels)
	}
	for i := range want {
		if labels[i] != want[i] {
			t.Errorf("label %d: expected %v, got %v", i, want[i], labels[i])
		}
	}
}
