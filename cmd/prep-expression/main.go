// Command prep-expression builds the region-level expression table for the
// atlas at one resolution and prints its first rows.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/neurofusion/server/internal/atlas"
	"github.com/neurofusion/server/internal/config"
	"github.com/neurofusion/server/internal/expression"
	"github.com/neurofusion/server/internal/logging"
	"github.com/neurofusion/server/internal/samplestore"
	"github.com/neurofusion/server/internal/service"
)

const helpMessage = `
prep-expression aggregates tissue-sample expression onto the atlas regions and
writes the expression cache (ahba_<atlas>.csv plus its manifest).

Usage: prep-expression [options]

  -resolution     (int)     Atlas resolution in mm, 1 or 2 (default: atlas.default_resolution)
  -atlas          (string)  Override atlas.name
  -source         (string)  Override expression.source: ahba, synthetic or auto
  -import         (string)  Directory with samples.csv and expression.csv to load
                            into the sample store first
  -force          (flag)    Rebuild the cache even if it is current
  -head           (int)     Number of rows to print (default 10)
  -config         (string)  Configuration file (.yaml or .toml)
  -h, -help       (flag)    Show help message
`

func main() {
	configPath := flag.String("config", "config/server.yaml", "")
	resFlag := flag.Int("resolution", 0, "")
	atlasName := flag.String("atlas", "", "")
	source := flag.String("source", "", "")
	importDir := flag.String("import", "", "")
	force := flag.Bool("force", false, "")
	head := flag.Int("head", 10, "")
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

	if *atlasName != "" {
		cfg.Atlas.Name = *atlasName
	}
	if *source != "" {
		cfg.Expression.Source = *source
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid options: %v", err)
	}
	r := cfg.Atlas.DefaultResolution
	if *resFlag != 0 {
		r = *resFlag
	}
	res := atlas.Resolution(r)
	if !res.Valid() {
		log.Fatalf("--resolution must be 1 or 2, got %d", r)
	}

	ctx := context.Background()

	if *importDir != "" {
		if err := importSamples(ctx, cfg.Expression.SamplesPath, *importDir); err != nil {
			log.Fatalf("Import failed: %v", err)
		}
	}

	stack, err := service.OpenStack(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize data sources: %v", err)
	}
	defer stack.Close()

	a, err := stack.Atlases.Load(ctx, res)
	if err != nil {
		if errors.Is(err, atlas.ErrUnavailable) {
			log.Fatalf("Atlas unavailable (run fetch-atlas -resolution %d first?): %v", r, err)
		}
		log.Fatalf("Failed to load atlas: %v", err)
	}

	tablePath, manifestPath := stack.Tables.CachePaths(a.Name)
	if *force {
		for _, p := range []string{tablePath, manifestPath} {
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				log.Fatalf("Failed to remove %s: %v", p, err)
			}
		}
	}

	result, err := stack.Tables.Aggregate(ctx, a)
	if err != nil {
		log.Fatalf("Aggregation failed: %v", err)
	}

	rows := result.Table.Rows()
	state := "built"
	if result.Cached {
		state = "cached"
	}
	fmt.Printf("atlas:   %s %s (%d labels)\n", a.Name, res, len(a.Labels))
	fmt.Printf("source:  %s\n", result.Manifest.Source)
	fmt.Printf("table:   %s (%s, %d genes, %d rows)\n", tablePath, state, len(result.Table.Genes()), len(rows))
	if fi, err := os.Stat(tablePath); err == nil {
		fmt.Printf("size:    %s\n", humanize.Bytes(uint64(fi.Size())))
	}
	fmt.Println()

	if *head >= 0 && *head < len(rows) {
		rows = rows[:*head]
	}
	if err := expression.WriteRows(os.Stdout, rows); err != nil {
		log.Fatal(err)
	}
}

func importSamples(ctx context.Context, dbPath, dir string) error {
	store, err := samplestore.Create(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.ImportDir(ctx, dir)
	if err != nil {
		return err
	}
	log.Printf("Imported %s into %s: %d donors, %d samples, %d genes, %s measurements",
		dir, dbPath, stats.Donors, stats.Samples, stats.Genes, humanize.Comma(int64(stats.Measurements)))
	return nil
}
