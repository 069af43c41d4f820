package atlas

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/neurofusion/server/internal/data/nifti"
	"github.com/neurofusion/server/internal/fsutil"
)

// Config configures an atlas source.
type Config struct {
	// Name identifies the atlas, e.g. "HarvardOxford-Cort". It prefixes the
	// cache file names.
	Name string

	// CacheDir holds <name>_<res>.nii.gz and <name>_<res>_labels.csv.
	CacheDir string

	// Provider is the bucket the atlas is downloaded from on a cache miss.
	// nil means the cache is the only source.
	Provider *blob.Bucket

	// VolumeKey and LabelsKey locate the provider objects. "{res}" expands to
	// the resolution tag ("1mm", "2mm"). Label objects ending in ".xml" are
	// parsed as FSL atlas descriptions, anything else as index,label CSV.
	VolumeKey string
	LabelsKey string

	// Background is the volume value reserved for "no region".
	Background int
}

// Source loads atlases through a local file cache.
type Source struct {
	cfg Config
}

// NewSource creates an atlas source.
func NewSource(cfg Config) *Source {
	return &Source{cfg: cfg}
}

// Name returns the configured atlas name.
func (s *Source) Name() string {
	return s.cfg.Name
}

// CachePaths returns the cached volume and label file paths for res.
func (s *Source) CachePaths(res Resolution) (volume, labels string) {
	base := fmt.Sprintf("%s_%s", s.cfg.Name, res)
	return filepath.Join(s.cfg.CacheDir, base+".nii.gz"), filepath.Join(s.cfg.CacheDir, base+"_labels.csv")
}

// Cached reports whether both cache files for res exist.
func (s *Source) Cached(res Resolution) bool {
	vol, lab := s.CachePaths(res)
	return fsutil.Exists(vol) && fsutil.Exists(lab)
}

// Load returns the atlas at res, downloading and caching it first if needed.
// A missing atlas is reported as ErrUnavailable and is never retried here.
func (s *Source) Load(ctx context.Context, res Resolution) (*Atlas, error) {
	if !res.Valid() {
		return nil, fmt.Errorf("unsupported resolution %d", int(res))
	}
	if !s.Cached(res) {
		return s.fetch(ctx, res)
	}

	volPath, labPath := s.CachePaths(res)
	img, err := nifti.ReadFile(volPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached atlas: %w", err)
	}
	labels, err := ReadLabelsFile(labPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached labels %s: %w", labPath, err)
	}
	a, err := New(s.cfg.Name, res, img, labels, s.cfg.Background)
	if err != nil {
		return nil, err
	}
	log.Printf("[atlas] %s %s loaded from cache: dims=%v labels=%d", a.Name, res, a.Dims(), len(a.Labels))
	return a, nil
}

func (s *Source) fetch(ctx context.Context, res Resolution) (*Atlas, error) {
	if s.cfg.Provider == nil {
		volPath, _ := s.CachePaths(res)
		return nil, fmt.Errorf("%w: %s %s is not cached at %s and no provider is configured", ErrUnavailable, s.cfg.Name, res, volPath)
	}

	volKey := expandKey(s.cfg.VolumeKey, res)
	volBytes, err := s.download(ctx, volKey)
	if err != nil {
		return nil, err
	}
	img, err := nifti.Read(bytes.NewReader(volBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: provider object %s: %v", ErrUnavailable, volKey, err)
	}

	labKey := expandKey(s.cfg.LabelsKey, res)
	labBytes, err := s.download(ctx, labKey)
	if err != nil {
		return nil, err
	}
	var labels []Label
	if strings.HasSuffix(strings.ToLower(labKey), ".xml") {
		labels, err = ParseFSLLabels(bytes.NewReader(labBytes))
	} else {
		labels, err = ReadLabels(bytes.NewReader(labBytes))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: provider object %s: %v", ErrUnavailable, labKey, err)
	}

	a, err := New(s.cfg.Name, res, img, labels, s.cfg.Background)
	if err != nil {
		return nil, err
	}

	// Volume first: Cached() needs both files, so a crash between the two
	// writes only costs a re-download.
	volPath, labPath := s.CachePaths(res)
	err = fsutil.WriteAtomic(volPath, func(w io.Writer) error {
		if strings.HasSuffix(volKey, ".gz") {
			_, err := w.Write(volBytes)
			return err
		}
		return nifti.WriteGzip(w, img)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cache atlas volume: %w", err)
	}
	if err := fsutil.WriteAtomic(labPath, func(w io.Writer) error { return WriteLabels(w, labels) }); err != nil {
		return nil, fmt.Errorf("failed to cache atlas labels: %w", err)
	}

	log.Printf("[atlas] %s %s cached at %s: dims=%v labels=%d", a.Name, res, volPath, a.Dims(), len(a.Labels))
	return a, nil
}

func (s *Source) download(ctx context.Context, key string) ([]byte, error) {
	r, err := s.cfg.Provider.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: provider has no object %q", ErrUnavailable, key)
		}
		return nil, fmt.Errorf("%w: failed to open %q: %v", ErrUnavailable, key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to download %q: %v", ErrUnavailable, key, err)
	}
	log.Printf("[atlas] downloaded %s (%s)", key, humanize.Bytes(uint64(len(data))))
	return data, nil
}

func expandKey(key string, res Resolution) string {
	return strings.ReplaceAll(key, "{res}", res.String())
}
