package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/sourcetrace/internal/collect"
	"github.com/TobiSchelling/sourcetrace/internal/config"
	"github.com/TobiSchelling/sourcetrace/internal/database"
	"github.com/TobiSchelling/sourcetrace/internal/fetch"
	"github.com/TobiSchelling/sourcetrace/internal/fingerprint"
	"github.com/TobiSchelling/sourcetrace/internal/logging"
	"github.com/TobiSchelling/sourcetrace/internal/metrics"
	"github.com/TobiSchelling/sourcetrace/internal/search"
	"github.com/TobiSchelling/sourcetrace/internal/server"
	"github.com/TobiSchelling/sourcetrace/internal/session"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     *logrus.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "sourcetrace",
	Short:   "Trace a viral post back to its source",
	Long:    "sourcetrace fingerprints a post, then narrows the corpus timeline by halving until the earliest matching post is left.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config.LoadEnv(logrus.StandardLogger())

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger = logging.New(level, cfg.Logging.Format)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(keywordsCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("sourcetrace", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/sourcetrace/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure the corpus timezone, import sources and search tuning.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show corpus and run archive status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Println("Corpus:")
		fmt.Printf("  Posts: %d\n", stats.Posts)
		fmt.Printf("  Authors: %d\n", stats.Authors)
		fmt.Printf("  Posts with media: %d\n", stats.MediaPosts)
		if stats.FirstPost != nil && stats.LastPost != nil {
			fmt.Printf("  Time range: %s .. %s\n", *stats.FirstPost, *stats.LastPost)
		}
		fmt.Println("\nRuns:")
		fmt.Printf("  Total: %d\n", stats.Runs)
		fmt.Printf("  Found: %d\n", stats.FoundRuns)
		fmt.Printf("  Failed: %d\n", stats.FailedRuns)
		return nil
	},
}

// --- import command ---

var (
	importFile  string
	importURL   string
	importFeeds bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import posts from an export file, an export endpoint or feeds",
	Long: `Import posts into the corpus.

Without flags every configured remote source is imported. --file reads an
export from disk, --url fetches one from an endpoint, and --feeds imports
only the configured RSS/Atom feeds.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		collector := collect.NewCollector(cfg, db, nil, logger)

		var result *collect.Result
		switch {
		case importFile != "":
			result, err = collector.ImportFile(ctx, importFile)
		case importURL != "":
			result, err = collector.ImportURL(ctx, importURL, cfg.ExportToken())
		case importFeeds:
			result, err = collector.ImportFeeds(ctx)
		default:
			result, err = collector.Collect(ctx)
			if errors.Is(err, collect.ErrNoSources) {
				return fmt.Errorf("%w; set sources.export.url or sources.feeds, or pass --file", err)
			}
		}
		if err != nil {
			return err
		}

		printResult(result)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVarP(&importFile, "file", "f", "", "Import an export JSON file")
	importCmd.Flags().StringVar(&importURL, "url", "", "Import from an export endpoint")
	importCmd.Flags().BoolVar(&importFeeds, "feeds", false, "Import only the configured feeds")
	importCmd.MarkFlagsMutuallyExclusive("file", "url", "feeds")
}

func printResult(result *collect.Result) {
	fmt.Println("\nImport complete:")
	fmt.Printf("  Total found: %d\n", result.TotalFound)
	fmt.Printf("  New posts: %d\n", result.Inserted)
	fmt.Printf("  Duplicates skipped: %d\n", result.Duplicates)

	if len(result.Sources) > 0 {
		fmt.Println("\nPosts by source:")
		// Sort sources by count descending
		type kv struct {
			key string
			val int
		}
		var sorted []kv
		for k, v := range result.Sources {
			sorted = append(sorted, kv{k, v})
		}
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].val > sorted[j].val })
		for _, s := range sorted {
			fmt.Printf("  %s: %d\n", s.key, s.val)
		}
	}
}

// --- seed command ---

var (
	seedEvent    int
	seedDaily    int
	seedDate     string
	seedRandom   uint64
	seedLocation string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Generate a synthetic corpus with one known source post",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := collect.SeedOptions{
			EventPosts: cfg.Sources.Seed.EventPosts,
			DailyPosts: cfg.Sources.Seed.DailyPosts,
			Location:   cfg.Sources.Seed.Location,
			Random:     cfg.Sources.Seed.Random,
		}
		if cmd.Flags().Changed("event-posts") {
			opts.EventPosts = seedEvent
		}
		if cmd.Flags().Changed("daily-posts") {
			opts.DailyPosts = seedDaily
		}
		if cmd.Flags().Changed("seed") {
			opts.Random = seedRandom
		}
		if seedLocation != "" {
			opts.Location = seedLocation
		}
		if seedDate != "" {
			day, err := time.ParseInLocation("2006-01-02", seedDate, cfg.Location())
			if err != nil {
				return fmt.Errorf("invalid --date %q: %w", seedDate, err)
			}
			opts.Base = day.Add(14 * time.Hour)
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		collector := collect.NewCollector(cfg, db, nil, logger)
		result, err := collector.ImportSeed(cmd.Context(), opts)
		if err != nil {
			return err
		}
		printResult(result)
		return nil
	},
}

func init() {
	seedCmd.Flags().IntVar(&seedEvent, "event-posts", 0, "Posts in the echo wave (default from config)")
	seedCmd.Flags().IntVar(&seedDaily, "daily-posts", 0, "Unrelated posts spread over the day (default from config)")
	seedCmd.Flags().StringVar(&seedDate, "date", "", "Day to generate, YYYY-MM-DD (default yesterday)")
	seedCmd.Flags().Uint64Var(&seedRandom, "seed", 0, "Random seed (default from config)")
	seedCmd.Flags().StringVar(&seedLocation, "location", "", "Place name used in generated posts")
}

// --- serve command ---

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the analysis websocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if os.Getenv(gin.EnvGinMode) == "" {
			gin.SetMode(gin.ReleaseMode)
		}

		addr := cfg.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}

		m := metrics.New()
		deps := engineDeps(db)
		deps.Metrics = m
		srv := server.New(server.Options{
			Store:   db,
			Deps:    deps,
			Metrics: m,
			Logger:  logger,
			Version: version,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Listening on %s (websocket at /ws/analysis)\n", addr)
		fmt.Println("Press Ctrl+C to stop")
		return srv.Serve(ctx, addr)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "Listen address (default from config)")
}

// engineDeps wires the extractor, searcher and page fetcher from config.
func engineDeps(db *database.DB) session.Deps {
	ex := fingerprint.New(
		fingerprint.WithTopK(cfg.Fingerprint.TopK),
		fingerprint.WithTopBigrams(cfg.Fingerprint.TopBigrams),
		fingerprint.WithStopWords(cfg.Fingerprint.StopWords...),
	)
	searcher := search.New(ex)
	searcher.Resolution = cfg.Search.Resolution
	searcher.MaxIterations = cfg.Search.MaxIterations
	searcher.Threshold = cfg.Search.Threshold
	searcher.BalanceRatio = cfg.Search.BalanceRatio
	searcher.StepDelay = cfg.Search.StepDelay

	return session.Deps{
		Source:        db,
		Extractor:     ex,
		Searcher:      searcher,
		Location:      cfg.Location(),
		BackgroundIDF: cfg.Fingerprint.BackgroundIDF,
		Fetcher:       fetch.NewPageFetcher(0),
		Archive:       db,
		Logger:        logger,
	}
}

func openDB() (*database.DB, error) {
	return database.OpenWithLogger(cfg.GetDBPath(), logger)
}
