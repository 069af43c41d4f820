// Command fetch-atlas downloads the labeled atlas at one resolution and
// stores it in the local atlas cache.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/neurofusion/server/internal/atlas"
	"github.com/neurofusion/server/internal/config"
	"github.com/neurofusion/server/internal/logging"
	"github.com/neurofusion/server/internal/service"
)

const helpMessage = `
fetch-atlas downloads the atlas volume and label table from the configured
provider and writes them to the atlas cache directory.

Usage: fetch-atlas [options]

  -resolution     (int)     Atlas resolution in mm, 1 or 2 (default: atlas.default_resolution)
  -config         (string)  Configuration file (.yaml or .toml)
  -provider       (string)  Override atlas.provider_url, e.g. file:///usr/local/fsl/data/atlases
  -cache-dir      (string)  Override atlas.cache_dir
  -h, -help       (flag)    Show help message
`

func main() {
	configPath := flag.String("config", "config/server.yaml", "")
	resFlag := flag.Int("resolution", 0, "")
	provider := flag.String("provider", "", "")
	cacheDir := flag.String("cache-dir", "", "")
	showHelp := flag.Bool("help", false, "")
	flag.BoolVar(showHelp, "h", false, "")
	flag.Usage = func() { fmt.Print(helpMessage) }
	flag.Parse()

	if *showHelp || flag.NArg() != 0 {
		flag.Usage()
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	defer logging.Setup(cfg.Log).Close()

	if *provider != "" {
		cfg.Atlas.ProviderURL = *provider
	}
	if *cacheDir != "" {
		cfg.Atlas.CacheDir = *cacheDir
	}
	r := cfg.Atlas.DefaultResolution
	if *resFlag != 0 {
		r = *resFlag
	}
	res := atlas.Resolution(r)
	if !res.Valid() {
		log.Fatalf("--resolution must be 1 or 2, got %d", r)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	bucket, err := atlas.OpenProvider(ctx, cfg.Atlas.ProviderURL)
	if err != nil {
		log.Fatal(err)
	}
	if bucket != nil {
		defer bucket.Close()
	}

	src := atlas.NewSource(service.AtlasSourceConfig(cfg.Atlas, bucket))
	a, err := src.Load(ctx, res)
	if errors.Is(err, atlas.ErrUnavailable) {
		log.Fatalf("Atlas unavailable: %v", err)
	}
	if err != nil {
		log.Fatalf("Failed to load atlas: %v", err)
	}

	volPath, labPath := src.CachePaths(res)
	fmt.Printf("atlas:       %s\n", a.Name)
	fmt.Printf("resolution:  %s\n", a.Resolution)
	fmt.Printf("dims:        %v\n", a.Dims())
	fmt.Printf("labels:      %d (background %q)\n", len(a.Labels), backgroundName(a))
	fmt.Printf("fingerprint: %s\n", a.Fingerprint())
	fmt.Printf("volume:      %s\n", volPath)
	fmt.Printf("label table: %s\n", labPath)
}

func backgroundName(a *atlas.Atlas) string {
	if name, ok := a.LabelName(int32(a.Background)); ok {
		return name
	}
	return ""
}
