// Command guidecache inspects and trims the shared slide and analysis cache.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"slide-guide/internal/cache"
	"slide-guide/internal/config"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: guidecache <command> [flags]

commands:
  stat    show entry counts and sizes (-v lists every entry)
  prune   remove entries by age and total size
  clear   remove every entry (requires -yes)`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "stat":
		err = runStat(cfg, args)
	case "prune":
		err = runPrune(cfg, args)
	case "clear":
		err = runClear(cfg, args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "guidecache %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func rootFlag(fs *flag.FlagSet, cfg config.Config) *string {
	return fs.String("root", cfg.CacheRoot, "cache root (defaults to CACHE_ROOT)")
}

func requireRoot(root string) error {
	if root == "" {
		return fmt.Errorf("no cache root: set CACHE_ROOT or pass -root")
	}
	if _, err := os.Stat(root); err != nil {
		return fmt.Errorf("cache root: %w", err)
	}
	return nil
}

func runStat(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("stat", flag.ExitOnError)
	root := rootFlag(fs, cfg)
	verbose := fs.Bool("v", false, "list every entry, oldest first")
	_ = fs.Parse(args)
	if err := requireRoot(*root); err != nil {
		return err
	}

	stats, err := cache.Stat(*root)
	if err != nil {
		return err
	}
	fmt.Printf("root:      %s\n", *root)
	fmt.Printf("slides:    %d documents, %s\n", stats.SlideEntries, humanize.Bytes(uint64(stats.SlideBytes)))
	fmt.Printf("analysis:  %d results, %s\n", stats.AnalysisEntries, humanize.Bytes(uint64(stats.AnalysisBytes)))
	fmt.Printf("staging:   %s\n", humanize.Bytes(uint64(stats.TmpBytes)))
	fmt.Printf("total:     %s\n", humanize.Bytes(uint64(stats.TotalBytes())))

	if !*verbose {
		return nil
	}
	entries, err := cache.Entries(*root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%-8s %10s  %-16s %s\n", e.Kind, humanize.Bytes(uint64(e.Bytes)), humanize.Time(e.ModTime), e.Path)
	}
	return nil
}

func runPrune(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	root := rootFlag(fs, cfg)
	maxAge := fs.Duration("max-age", cfg.CacheMaxAge, "remove entries unused for longer than this (0 disables)")
	maxSize := fs.String("max-size", cfg.CacheMaxSize, "shrink the cache to this size, e.g. 2GB (0 disables)")
	_ = fs.Parse(args)
	if err := requireRoot(*root); err != nil {
		return err
	}

	maxBytes, err := humanize.ParseBytes(*maxSize)
	if err != nil {
		return fmt.Errorf("invalid -max-size %q: %w", *maxSize, err)
	}
	if *maxAge <= 0 && maxBytes == 0 {
		return fmt.Errorf("nothing to do: set -max-age or -max-size")
	}

	started := time.Now()
	report, err := cache.Prune(*root, cache.PrunePolicy{MaxAge: *maxAge, MaxBytes: int64(maxBytes)})
	if err != nil {
		return err
	}
	fmt.Printf("removed %d entries, freed %s, %s remaining (%s)\n",
		len(report.Removed),
		humanize.Bytes(uint64(report.FreedBytes)),
		humanize.Bytes(uint64(report.RemainingBytes)),
		time.Since(started).Round(time.Millisecond),
	)
	return nil
}

func runClear(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	root := rootFlag(fs, cfg)
	yes := fs.Bool("yes", false, "confirm removal of every entry")
	_ = fs.Parse(args)
	if err := requireRoot(*root); err != nil {
		return err
	}
	if !*yes {
		return fmt.Errorf("refusing to clear %s without -yes", *root)
	}

	stats, err := cache.Stat(*root)
	if err != nil {
		return err
	}
	if err := cache.Clear(*root); err != nil {
		return err
	}
	fmt.Printf("cleared %s (%s)\n", *root, humanize.Bytes(uint64(stats.TotalBytes())))
	return nil
}
