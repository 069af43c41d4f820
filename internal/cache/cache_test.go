package cache

import (
	"bytes"
	"testing"
	"time"
)

func TestQueryKey(t *testing.T) {
	base := "q:regions:2mm"

	t.Run("noParams", func(t *testing.T) {
		if got := QueryKey("regions", "2mm", nil); got != base {
			t.Fatalf("expected %q, got %q", base, got)
		}
	})

	t.Run("stableParams", func(t *testing.T) {
		key1 := QueryKey("regions", "2mm", map[string]string{"gene": "GENE001", "normalize": "true"})
		key2 := QueryKey("regions", "2mm", map[string]string{"normalize": "true", "gene": "GENE001"})
		if key1 != key2 {
			t.Fatalf("expected stable key, got %q vs %q", key1, key2)
		}
		if key1 == base {
			t.Fatalf("expected parameterised key to differ from base, got %q", key1)
		}
	})

	t.Run("distinctParams", func(t *testing.T) {
		key1 := QueryKey("regions", "2mm", map[string]string{"gene": "GENE001"})
		key2 := QueryKey("regions", "2mm", map[string]string{"gene": "GENE002"})
		if key1 == key2 {
			t.Fatal("different genes produced the same key")
		}
	})
}

func TestImageKeys(t *testing.T) {
	if StatMapKey("1mm", "G1", "cold_hot") == StatMapKey("2mm", "G1", "cold_hot") {
		t.Error("stat map keys must include the resolution")
	}
	if BarChartKey("2mm", "G1", true) == BarChartKey("2mm", "G1", false) {
		t.Error("bar chart keys must include normalization")
	}
}

func TestManager(t *testing.T) {
	m, err := NewManager(Config{ImageCacheSizeMB: 8, ImageTTL: time.Minute, QueryCacheSize: 2})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	if _, ok := m.GetImage("missing"); ok {
		t.Error("unexpected hit")
	}
	if err := m.SetImage("a", []byte("png")); err != nil {
		t.Fatal(err)
	}
	if got, ok := m.GetImage("a"); !ok || !bytes.Equal(got, []byte("png")) {
		t.Errorf("GetImage = %q, %v", got, ok)
	}

	m.SetQuery("q1", []byte("1"))
	m.SetQuery("q2", []byte("2"))
	m.SetQuery("q3", []byte("3"))
	if _, ok := m.GetQuery("q1"); ok {
		t.Error("oldest query should have been evicted")
	}
	if got, ok := m.GetQuery("q3"); !ok || string(got) != "3" {
		t.Errorf("GetQuery(q3) = %q, %v", got, ok)
	}
}
