package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/civil"
	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/dvloznov/phone-usage-tracker/internal/accounting"
	"github.com/dvloznov/phone-usage-tracker/internal/beeminder"
	"github.com/dvloznov/phone-usage-tracker/internal/config"
	"github.com/dvloznov/phone-usage-tracker/internal/logger"
	"github.com/dvloznov/phone-usage-tracker/internal/reconcile"
	"github.com/dvloznov/phone-usage-tracker/internal/runlog"
	"github.com/dvloznov/phone-usage-tracker/internal/store"
)

func main() {
	global := flag.NewFlagSet("tracker", flag.ExitOnError)
	configPath := global.String("config", os.Getenv("TRACKER_CONFIG"), "Path to an optional YAML config file")
	global.Usage = printUsage
	global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	cmd, rest := args[0], args[1:]
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return
	}

	cfg, err := config.Load(*configPath, os.Getenv)
	if err != nil {
		l := logger.New()
		l.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log := logger.NewWithLevel(logger.ParseLevel(cfg.LogLevel))

	switch cmd {
	case "run":
		os.Exit(runReconcile(log, cfg, rest))
	case "status":
		runStatus(log, cfg)
	case "history":
		runHistory(log, cfg, rest)
	case "serve":
		runServe(log, cfg, rest)
	case "migrate":
		runMigrate(log, cfg)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Phone Usage Tracker")
	fmt.Println("\nUsage:")
	fmt.Println("  tracker [-config PATH] <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  run       Record a late-night usage event and reconcile with Beeminder")
	fmt.Println("            tracker run [-dry-run] [YYYY-MM-DD]")
	fmt.Println("  status    Show the local database and last-run marker")
	fmt.Println("  history   Show recent runs from BigQuery")
	fmt.Println("  serve     Accept run triggers over HTTP")
	fmt.Println("  migrate   Create the BigQuery run history table")
	fmt.Println("  help      Show this help message")
	fmt.Println("\nRun 'tracker <command> -h' for more information on a command.")
}

// parseRunArgs returns the explicit accounting date, if one was given.
func parseRunArgs(args []string) (*civil.Date, error) {
	switch len(args) {
	case 0:
		return nil, nil
	case 1:
		d, err := accounting.Parse(args[0])
		if err != nil {
			return nil, err
		}
		return &d, nil
	default:
		return nil, fmt.Errorf("expected at most one date argument, got %d", len(args))
	}
}

func googleOptions(cfg config.Config) []option.ClientOption {
	if cfg.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}
}

// openStore picks the GCS backend when a bucket is configured, the local
// directory otherwise. The returned closer is never nil.
func openStore(ctx context.Context, cfg config.Config, clock quartz.Clock) (*store.Store, func() error, error) {
	if cfg.State.Bucket == "" {
		return store.New(store.NewFileBackend(cfg.State.Dir), clock), func() error { return nil }, nil
	}
	backend, err := store.NewGCSBackend(ctx, cfg.State.Bucket, cfg.State.Prefix, googleOptions(cfg)...)
	if err != nil {
		return nil, nil, err
	}
	return store.New(backend, clock), backend.Close, nil
}

// deps are the long-lived pieces a reconciliation needs.
type deps struct {
	cfg      config.Config
	clock    quartz.Clock
	store    *store.Store
	client   *beeminder.Client
	recorder *runlog.BigQueryRecorder
	closers  []func() error
}

// openDeps builds the store, the Beeminder client and, when configured, the
// run history recorder. A recorder that cannot be created only disables
// history.
func openDeps(ctx context.Context, cfg config.Config, clock quartz.Clock) (*deps, error) {
	log := logger.FromContext(ctx)

	st, closeStore, err := openStore(ctx, cfg, clock)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	d := &deps{
		cfg:     cfg,
		clock:   clock,
		store:   st,
		closers: []func() error{closeStore},
		client: beeminder.NewClient(beeminder.Config{
			BaseURL:    cfg.Beeminder.BaseURL,
			Username:   cfg.Beeminder.Username,
			AuthToken:  cfg.Beeminder.AuthToken,
			GoalSlug:   cfg.Beeminder.GoalSlug,
			Location:   cfg.Location,
			Timeout:    cfg.Beeminder.Timeout,
			MaxRetries: cfg.Beeminder.Retries,
		}),
	}

	if cfg.HistoryEnabled() {
		rec, err := runlog.NewBigQueryRecorder(ctx, cfg.History.Project, cfg.History.Dataset, googleOptions(cfg)...)
		if err != nil {
			log.Warn().Err(err).Msg("Run history disabled")
		} else {
			d.recorder = rec
			d.closers = append(d.closers, rec.Close)
		}
	}
	return d, nil
}

func (d *deps) reconciler(dryRun bool) *reconcile.Reconciler {
	opts := reconcile.Options{
		Location: d.cfg.Location,
		Clock:    d.clock,
		DryRun:   dryRun,
	}
	// Assign only a non-nil recorder so the interface stays nil otherwise.
	if d.recorder != nil {
		opts.Recorder = d.recorder
	}
	return reconcile.New(d.store, d.client, opts)
}

// Close releases the clients in reverse order of creation. Failures are
// logged; there is nothing left to retry at shutdown.
func (d *deps) Close(log zerolog.Logger) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Failed to close client")
		}
	}
}

func runReconcile(log zerolog.Logger, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "Log remote changes without performing them and write no local state")
	fs.Parse(args)

	explicit, err := parseRunArgs(fs.Args())
	if err != nil {
		log.Error().Err(err).Msg("Usage: tracker run [-dry-run] [YYYY-MM-DD]")
		return 2
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	d, err := openDeps(ctx, cfg, quartz.NewReal())
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize")
		return 1
	}
	defer d.Close(log)

	log.Info().
		Str("goal", cfg.Beeminder.GoalSlug).
		Str("timezone", cfg.Timezone).
		Bool("dry_run", *dryRun).
		Msg("Starting phone usage tracking workflow")

	if _, err := d.reconciler(*dryRun).Run(ctx, explicit); err != nil {
		if errors.Is(err, reconcile.ErrEnsureFailed) {
			log.Error().Msg("Workflow failed: will retry on next trigger")
		}
		return 1
	}
	return 0
}

type statusOutput struct {
	Datapoints int            `json:"datapoints"`
	First      string         `json:"first_date,omitempty"`
	Last       string         `json:"last_date,omitempty"`
	Marker     *store.Marker  `json:"last_run,omitempty"`
	Records    []store.Record `json:"records"`
}

func runStatus(log zerolog.Logger, cfg config.Config) {
	ctx := logger.WithContext(context.Background(), log)

	st, closeStore, err := openStore(ctx, cfg, quartz.NewReal())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state store")
	}
	defer closeStore()

	db, err := st.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load local database")
	}
	marker, err := st.LoadMarker(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load last-run marker")
	}

	if err := writeStatus(os.Stdout, db, marker); err != nil {
		log.Fatal().Err(err).Msg("Failed to print status")
	}
}

func writeStatus(w io.Writer, db *store.Database, marker *store.Marker) error {
	out := statusOutput{
		Datapoints: len(db.Datapoints),
		Marker:     marker,
		Records:    db.Datapoints,
	}
	if out.Records == nil {
		out.Records = []store.Record{}
	}
	var first, last civil.Date
	for i, r := range db.Datapoints {
		if i == 0 || r.Date.Before(first) {
			first = r.Date
		}
		if i == 0 || r.Date.After(last) {
			last = r.Date
		}
	}
	if len(db.Datapoints) > 0 {
		out.First, out.Last = first.String(), last.String()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runMigrate(log zerolog.Logger, cfg config.Config) {
	if !cfg.HistoryEnabled() {
		log.Fatal().Msg("Run history needs BQ_PROJECT and BQ_DATASET")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	rec, err := runlog.NewBigQueryRecorder(ctx, cfg.History.Project, cfg.History.Dataset, googleOptions(cfg)...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create BigQuery client")
	}
	defer rec.Close()

	if err := rec.EnsureTable(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to create run history table")
	}
	log.Info().
		Str("project", cfg.History.Project).
		Str("dataset", cfg.History.Dataset).
		Str("table", runlog.DefaultTable).
		Msg("Run history table is ready")
}

func runHistory(log zerolog.Logger, cfg config.Config, args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 10, "Number of runs to show")
	fs.Parse(args)

	if !cfg.HistoryEnabled() {
		log.Fatal().Msg("Run history needs BQ_PROJECT and BQ_DATASET")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	rec, err := runlog.NewBigQueryRecorder(ctx, cfg.History.Project, cfg.History.Dataset, googleOptions(cfg)...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create BigQuery client")
	}
	defer rec.Close()

	rows, err := rec.Recent(ctx, *limit)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read run history")
	}

	if len(rows) == 0 {
		fmt.Println("No runs recorded.")
		return
	}
	for _, r := range rows {
		fmt.Printf("%s  %s  %-7s  deleted=%d synced=%d created=%t skipped=%t  %s\n",
			r.StartedTS.Local().Format(time.RFC3339),
			r.AccountingDate,
			r.Status,
			r.Deleted,
			r.Synced,
			r.Created,
			r.Skipped,
			r.ErrorMessage,
		)
	}
}
