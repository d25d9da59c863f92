package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vantagehq/vantage/internal/config"
	"github.com/vantagehq/vantage/internal/migrate"
	"github.com/vantagehq/vantage/internal/module"
	"github.com/vantagehq/vantage/internal/schema"
	"github.com/vantagehq/vantage/internal/validate"
)

var (
	// Version information - set at build time
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var (
	flagConfig  string
	flagVerbose bool
	flagYes     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vantage",
		Short: "Vantage modular application platform",
		Long: `Vantage manages pluggable modules: discovery, installation from
archives, dependency resolution, and database schema migration.`,
	}
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file directory")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&flagYes, "yes", "y", false, "skip confirmation prompts")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(modulesCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the wired platform components a command works with.
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	db        *sql.DB
	registry  *module.Registry
	providers *module.ProviderSet
	loader    *module.Loader
	engine    *migrate.Engine
	validator *validate.Validator
}

// newApp loads configuration and wires components. Commands that do not
// touch the database pass needDB=false so listing modules works offline.
func newApp(needDB bool) (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	log, err := buildLogger(cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		log:       log,
		registry:  module.NewRegistry(log),
		providers: module.NewProviderSet(),
	}
	a.loader = module.NewLoader(cfg.Modules.Paths, a.registry, a.providers, log)

	if needDB {
		if cfg.Database.URL == "" {
			return nil, fmt.Errorf("database.url is not configured (set VANTAGE_DATABASE_URL or config.yaml)")
		}
		db, err := sql.Open(cfg.Database.Driver, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("ping database: %w", err)
		}
		a.db = db
		a.engine = migrate.NewEngine(db, log)
	}

	var inspector *schema.Inspector
	if a.db != nil {
		inspector = schema.NewInspector(a.db)
	}
	a.validator = validate.New(a.registry, inspector, cfg.Static.Root, log)
	return a, nil
}

func (a *app) close() {
	if a.db != nil {
		_ = a.db.Close()
	}
	_ = a.log.Sync()
}

func buildLogger(level string) (*zap.Logger, error) {
	if flagVerbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	return cfg.Build()
}
