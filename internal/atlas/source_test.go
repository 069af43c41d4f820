package atlas_test

import (
	"context"
	"errors"
	"testing"

	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/neurofusion/server/internal/atlas"
	"github.com/neurofusion/server/internal/atlas/atlastest"
)

const (
	volumeKey = "Tiny/Tiny-cort-maxprob-{res}.nii.gz"
	labelsKey = "Tiny-labels.csv"
)

func newProvider(t *testing.T) *blob.Bucket {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })
	atlastest.Seed(t, bucket, "Tiny/Tiny-cort-maxprob-2mm.nii.gz", labelsKey)
	return bucket
}

func TestSource_FetchThenCache(t *testing.T) {
	ctx := context.Background()
	provider := newProvider(t)
	cacheDir := t.TempDir()

	src := atlas.NewSource(atlas.Config{
		Name:      atlastest.Name,
		CacheDir:  cacheDir,
		Provider:  provider,
		VolumeKey: volumeKey,
		LabelsKey: labelsKey,
	})
	if src.Cached(atlas.Res2mm) {
		t.Fatal("cache should start empty")
	}

	a, err := src.Load(ctx, atlas.Res2mm)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if a.Dims() != [3]int{4, 3, 2} || len(a.Labels) != 3 {
		t.Fatalf("unexpected atlas: dims=%v labels=%v", a.Dims(), a.Labels)
	}
	if !src.Cached(atlas.Res2mm) {
		t.Fatal("expected cache files after first load")
	}

	// A second source without a provider must be served from the cache alone.
	cacheOnly := atlas.NewSource(atlas.Config{Name: atlastest.Name, CacheDir: cacheDir})
	b, err := cacheOnly.Load(ctx, atlas.Res2mm)
	if err != nil {
		t.Fatalf("cached Load failed: %v", err)
	}
	if b.Fingerprint() != a.Fingerprint() {
		t.Error("cached atlas differs from fetched atlas")
	}
	for i := range a.Volume {
		if a.Volume[i] != b.Volume[i] {
			t.Fatalf("voxel %d differs after caching", i)
		}
	}
}

func TestSource_UnavailableWithoutProvider(t *testing.T) {
	src := atlas.NewSource(atlas.Config{Name: atlastest.Name, CacheDir: t.TempDir()})
	_, err := src.Load(context.Background(), atlas.Res2mm)
	if !errors.Is(err, atlas.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestSource_UnavailableWhenProviderLacksResolution(t *testing.T) {
	cacheDir := t.TempDir()
	src := atlas.NewSource(atlas.Config{
		Name:      atlastest.Name,
		CacheDir:  cacheDir,
		Provider:  newProvider(t),
		VolumeKey: volumeKey,
		LabelsKey: labelsKey,
	})

	_, err := src.Load(context.Background(), atlas.Res1mm)
	if !errors.Is(err, atlas.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if src.Cached(atlas.Res1mm) {
		t.Error("failed fetch must not leave cache files")
	}
}
