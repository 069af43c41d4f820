// Package atlastest provides a tiny labeled atlas for tests.
//
// The volume is 4x3x2 voxels of 2mm. Column x=0 is background (0), columns
// x=1 and x=2 are "Region A" (1) and column x=3 is "Region B" (2). Voxel
// (i,j,k) sits at world (-4+2i, -2+2j, -2+2k).
package atlastest

import (
	"bytes"
	"context"
	"testing"

	"gocloud.dev/blob"

	"github.com/neurofusion/server/internal/atlas"
	"github.com/neurofusion/server/internal/data/nifti"
)

const Name = "Tiny-Cort"

const (
	RegionA = "Region A"
	RegionB = "Region B"
)

// Labels returns the label table.
func Labels() []atlas.Label {
	return []atlas.Label{
		{Index: 0, Name: atlas.BackgroundName},
		{Index: 1, Name: RegionA},
		{Index: 2, Name: RegionB},
	}
}

// Image returns the int16 label volume.
func Image() *nifti.Image {
	img := nifti.New(4, 3, 2, 2, [3]float64{-4, -2, -2})
	img.Header.Datatype = nifti.Int16
	for z := 0; z < 2; z++ {
		for y := 0; y < 3; y++ {
			for x := 0; x < 4; x++ {
				var v float64
				switch x {
				case 1, 2:
					v = 1
				case 3:
					v = 2
				}
				img.Data[img.Index(x, y, z)] = v
			}
		}
	}
	return img
}

// New returns the atlas at res (the geometry is the same for both).
func New(tb testing.TB, res atlas.Resolution) *atlas.Atlas {
	tb.Helper()
	a, err := atlas.New(Name, res, Image(), Labels(), 0)
	if err != nil {
		tb.Fatalf("failed to build test atlas: %v", err)
	}
	return a
}

// Seed writes the volume and a CSV label table into bucket under the given
// keys, with "{res}" already expanded by the caller.
func Seed(tb testing.TB, bucket *blob.Bucket, volumeKey, labelsKey string) {
	tb.Helper()
	ctx := context.Background()

	var vol bytes.Buffer
	if err := nifti.WriteGzip(&vol, Image()); err != nil {
		tb.Fatalf("failed to encode test volume: %v", err)
	}
	if err := bucket.WriteAll(ctx, volumeKey, vol.Bytes(), nil); err != nil {
		tb.Fatalf("failed to seed %s: %v", volumeKey, err)
	}

	var lab bytes.Buffer
	if err := atlas.WriteLabels(&lab, Labels()); err != nil {
		tb.Fatalf("failed to encode test labels: %v", err)
	}
	if err := bucket.WriteAll(ctx, labelsKey, lab.Bytes(), nil); err != nil {
		tb.Fatalf("failed to seed %s: %v", labelsKey, err)
	}
}
