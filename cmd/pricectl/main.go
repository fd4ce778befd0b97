package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/liamcoop/pricerules/catalog"
	"github.com/liamcoop/pricerules/internal/backend"
	"github.com/liamcoop/pricerules/internal/config"
	"github.com/liamcoop/pricerules/internal/logger"
	"github.com/liamcoop/pricerules/rules"
	"github.com/liamcoop/pricerules/simulation"
	"github.com/liamcoop/pricerules/workspace"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

var errCatalogNotConfigured = errors.New("ERP catalog is not configured (set ERP_BASE_URL, ERP_ACCESS_TOKEN and ERP_SECRET_ACCESS_TOKEN)")

// cli carries what PersistentPreRunE resolved to the subcommands
type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config

	// progress receives apply progress; set by the simulate command
	progress func(done, total int)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received interrupt signal, stopping after the current update...")
		cancel()
	}()

	err := newRootCmd().ExecuteContext(ctx)
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, formatError(err.Error()))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:   "pricectl",
		Short: "Manage price adjustment rules and apply them to the ERP catalog",
		Long: `pricectl keeps an ordered list of price adjustment rules, simulates them
against the ERP product catalog and applies the confirmed price changes.

Rules are evaluated top to bottom and the first match wins.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.initConfig,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default: $HOME/.config/pricerules/config.yaml)")
	flags.StringP("workspace", "w", "", "workspace whose rules are used (default: default)")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")

	_ = c.v.BindPFlag("workspace", flags.Lookup("workspace"))

	root.AddCommand(c.rulesCmd())
	root.AddCommand(c.simulateCmd())
	root.AddCommand(c.resaleCmd())
	root.AddCommand(c.groupsCmd())
	root.AddCommand(versionCmd())

	return root
}

func (c *cli) initConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.v, c.cfgFile)
	if err != nil {
		return err
	}
	c.cfg = cfg

	level, format := cliLogging(cmd, c.v, cfg.Logging)
	if err := logger.Setup(cmd.Context(), logger.Options{
		Level:  level,
		Format: format,
		Output: cmd.ErrOrStderr(),
	}); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	return nil
}

// cliLogging keeps the terminal quiet unless logging was configured explicitly.
// Flags win, then the config file or environment, then warn/console.
func cliLogging(cmd *cobra.Command, v *viper.Viper, cfg config.LoggingConfig) (string, string) {
	level, format := "warn", "console"

	if explicit(v, "logging.level", "PRICERULES_LOGGING_LEVEL", "LOG_LEVEL") {
		level = cfg.Level
	}
	if explicit(v, "logging.format", "PRICERULES_LOGGING_FORMAT") {
		format = cfg.Format
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		format, _ = flags.GetString("log-format")
	}
	return level, format
}

func explicit(v *viper.Viper, key string, envs ...string) bool {
	if v.InConfig(key) {
		return true
	}
	for _, env := range envs {
		if os.Getenv(env) != "" {
			return true
		}
	}
	return false
}

// session is one command's view of storage, catalog and workspace
type session struct {
	backend *backend.Backend
	catalog *catalog.Client
	ws      *workspace.Workspace
}

func (s *session) Close() {
	if err := s.backend.Close(); err != nil {
		logger.Warn("Failed to close storage", "error", err)
	}
}

// openSession opens storage and the configured workspace. needCatalog fails
// early when the ERP is not configured.
func (c *cli) openSession(ctx context.Context, needCatalog bool) (*session, error) {
	var client *catalog.Client
	if c.cfg.CatalogConfigured() {
		var err error
		client, err = catalog.NewClient(catalog.Config{
			BaseURL:           c.cfg.Catalog.BaseURL,
			AccessToken:       c.cfg.Catalog.AccessToken,
			SecretAccessToken: c.cfg.Catalog.SecretAccessToken,
			PageSize:          c.cfg.Catalog.PageSize,
			Timeout:           c.cfg.Catalog.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create catalog client: %w", err)
		}
	} else if needCatalog {
		return nil, errCatalogNotConfigured
	}

	store, err := backend.Open(ctx, c.cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", c.cfg.Storage.Driver, err)
	}

	var updater simulation.PriceUpdater = offlineUpdater{}
	if client != nil {
		updater = client
	}

	opts := simulation.DefaultOptions()
	opts.Concurrency = c.cfg.Apply.Concurrency
	opts.OnProgress = func(done, total int) {
		if c.progress != nil {
			c.progress(done, total)
		}
	}

	manager, err := workspace.NewManager(workspace.Config{
		Persisters: store.Persisters,
		Lister:     store.Lister,
		Updater:    updater,
		Rounding:   c.cfg.Pricing.RuleRounding,
		Workflow:   opts,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	ws, err := manager.Open(ctx, c.cfg.Workspace)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open workspace %s: %w", c.cfg.Workspace, err)
	}
	logger.Debug("Session opened", "workspace", ws.ID, "driver", c.cfg.Storage.Driver, "rules", ws.Store.Len())

	return &session{backend: store, catalog: client, ws: ws}, nil
}

// offlineUpdater backs rule management when no ERP is configured
type offlineUpdater struct{}

func (offlineUpdater) UpdateProductPrice(context.Context, string, decimal.Decimal) error {
	return errCatalogNotConfigured
}

// fetchProducts reads the whole filtered catalog, noting it on status
func fetchProducts(ctx context.Context, client *catalog.Client, filter catalog.Filter, status io.Writer) ([]rules.Product, error) {
	fmt.Fprintln(status, subtleStyle.Render("Fetching products from the ERP..."))
	products, err := client.FetchProducts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch products: %w", err)
	}
	return products, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// version needs no config or storage
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pricectl %s\n", version)
		},
	}
}
