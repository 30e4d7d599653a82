package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/imgsearch/pkg/config"
	"github.com/cyclopcam/imgsearch/pkg/export"
	"github.com/cyclopcam/imgsearch/pkg/inference"
	"github.com/cyclopcam/imgsearch/pkg/metadata"
	"github.com/cyclopcam/imgsearch/pkg/nnload"
	"github.com/cyclopcam/imgsearch/pkg/search"
	"github.com/cyclopcam/imgsearch/pkg/storage"
	"github.com/cyclopcam/imgsearch/server/rundb"
	"github.com/cyclopcam/logs"
)

func runProcess(ctx context.Context, logger logs.Log, cfg *config.Config, dir, output string) error {
	store, err := storage.Open(ctx, logger, &cfg.Storage)
	if err != nil {
		return err
	}
	detector, err := nnload.LoadDetector(ctx, logger, &cfg.Model)
	if err != nil {
		return err
	}
	defer detector.Close()

	options := inference.Options{
		Extensions:   cfg.Data.ImageExtension,
		Workers:      cfg.Model.Workers,
		ImageTimeout: cfg.Model.ImageTimeout,
		Params:       nnload.DetectionParams(&cfg.Model),
		Progress: func(p inference.Progress) {
			fmt.Printf("\r%v / %v", p.Done, p.Total)
			if p.Done == p.Total {
				fmt.Printf("\n")
			}
		},
	}
	results, report, err := inference.RunOnDirectory(ctx, logger, detector, dir, options)
	if err != nil {
		return err
	}
	for _, f := range report.Failures {
		fmt.Printf("FAILED %v: %v\n", f.Path, f.Err)
	}

	if output == "" {
		output = storage.MetadataName(dir)
	}
	if err := storage.SaveMetadata(ctx, store, output, results); err != nil {
		return err
	}
	fmt.Printf("Wrote %v images to %v (%v failed)\n", results.Len(), output, len(report.Failures))

	if cfg.Server.RunDB != "" {
		runs, err := rundb.Open(logger, cfg.Server.RunDB)
		if err != nil {
			logger.Warnf("Run history not available: %v", err)
			return nil
		}
		defer runs.Close()
		modelConfig := detector.Config()
		err = runs.Record(&rundb.Run{
			Directory:     dir,
			MetadataPath:  output,
			Backend:       modelConfig.Architecture,
			Model:         modelConfig.Name,
			StartedAt:     dbh.MakeIntTime(report.Started),
			FinishedAt:    dbh.MakeIntTime(report.Finished),
			NumImages:     report.Images,
			NumFailed:     len(report.Failures),
			UniqueClasses: strings.Join(results.UniqueClasses(), ","),
		})
		if err != nil {
			logger.Warnf("Failed to record run: %v", err)
		}
	}
	return nil
}

func loadStore(ctx context.Context, logger logs.Log, cfg *config.Config, metadataPath string) (storage.Storage, *metadata.Store, error) {
	store, err := storage.Open(ctx, logger, &cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	results, err := storage.LoadMetadata(ctx, store, metadataPath)
	if err != nil {
		return nil, nil, err
	}
	return store, results, nil
}

func runClasses(ctx context.Context, logger logs.Log, cfg *config.Config, metadataPath string) error {
	_, results, err := loadStore(ctx, logger, cfg, metadataPath)
	if err != nil {
		return err
	}
	fmt.Printf("%v images\n", results.Len())
	for _, c := range results.UniqueClasses() {
		counts := []string{}
		for _, n := range results.CountOptionsFor(c) {
			counts = append(counts, fmt.Sprintf("%v", n))
		}
		fmt.Printf("%-20v %v\n", c, strings.Join(counts, " "))
	}
	return nil
}

type searchArgs struct {
	metadataPath string
	classes      string
	mode         string
	thresholds   string
	jsonOut      string
	zipOut       string
	annotateDir  string
}

func runSearch(ctx context.Context, logger logs.Log, cfg *config.Config, args searchArgs) error {
	mode, err := search.ParseMode(args.mode)
	if err != nil {
		return err
	}
	thresholds, err := search.ParseThresholds(args.thresholds)
	if err != nil {
		return err
	}
	store, results, err := loadStore(ctx, logger, cfg, args.metadataPath)
	if err != nil {
		return err
	}

	q := search.NewQuery(search.ParseClassList(args.classes), mode, thresholds)
	matches := search.Evaluate(results, q)
	for _, m := range matches {
		counts := []string{}
		for _, c := range q.Highlight(m) {
			counts = append(counts, fmt.Sprintf("%v=%v", c, m.ClassCount(c)))
		}
		fmt.Printf("%v  %v\n", m.ImagePath(), strings.Join(counts, " "))
	}
	fmt.Printf("%v of %v images match %v\n", len(matches), results.Len(), q)
	for _, s := range search.Summarize(matches, q) {
		fmt.Printf("  %-20v %v objects in %v images\n", s.Class, s.Total, s.Images)
	}

	if args.jsonOut != "" {
		err := writeOutput(ctx, store, args.jsonOut, func(w io.Writer) error {
			return export.WriteJSON(w, matches)
		})
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %v\n", args.jsonOut)
	}
	if args.zipOut != "" {
		err := writeOutput(ctx, store, args.zipOut, func(w io.Writer) error {
			return export.WriteZip(w, matches, export.ZipOptions{Highlight: q.Highlight})
		})
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %v\n", args.zipOut)
	}
	if args.annotateDir != "" {
		files, err := export.WriteAnnotated(args.annotateDir, matches, q.Highlight)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %v annotated images to %v\n", len(files), args.annotateDir)
	}
	return nil
}

// writeOutput writes a file through our storage layer. A partially written file is deleted.
func writeOutput(ctx context.Context, store storage.Storage, name string, write func(w io.Writer) error) error {
	f, err := store.WriteFile(ctx, name)
	if err != nil {
		return err
	}
	err = write(f)
	errClose := f.Close()
	if err == nil {
		err = errClose
	}
	if err != nil {
		store.DeleteFile(ctx, name)
		return fmt.Errorf("Failed to write %v: %w", name, err)
	}
	return nil
}
