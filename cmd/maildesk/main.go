package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/maildesk-io/maildesk/internal/attachments"
	"github.com/maildesk-io/maildesk/internal/config"
	"github.com/maildesk-io/maildesk/internal/mail/connector"
	"github.com/maildesk-io/maildesk/internal/mail/decode"
	"github.com/maildesk-io/maildesk/internal/mail/importer"
	"github.com/maildesk-io/maildesk/internal/mail/ingest"
	"github.com/maildesk-io/maildesk/internal/mail/oauth2"
	"github.com/maildesk-io/maildesk/internal/models"
	"github.com/maildesk-io/maildesk/internal/notifications"
	"github.com/maildesk-io/maildesk/internal/runner"
	"github.com/maildesk-io/maildesk/internal/runner/tasks"
	"github.com/maildesk-io/maildesk/internal/store"
	"github.com/maildesk-io/maildesk/internal/version"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "maildesk",
	Short: "MailDesk - e-mail to helpdesk ticket importer",
	Long: `MailDesk polls POP3, IMAP and local mailboxes, converts inbound
e-mail into helpdesk tickets and follow-ups, and routes each message to
the right queue.`,
	Version: version.String(),
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Run one import cycle over every due mailbox",
	RunE:  runImport,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll mailboxes continuously on the configured schedule",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("MailDesk %s\n", version.Full())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to the configuration file")
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// buildOrchestrator wires the full ingestion pipeline from configuration.
func buildOrchestrator(cfg *config.Config) (*importer.Orchestrator, *store.Store, error) {
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	transportOpts := []connector.TransportOption{
		connector.WithDialTimeout(cfg.Import.DialTimeout),
	}
	if cfg.OAuth2.TokenEndpoint != "" {
		refresher := oauth2.NewRefresher(
			cfg.OAuth2.TokenEndpoint,
			cfg.OAuth2.ClientID,
			cfg.OAuth2.ClientSecret,
			oauth2.WithHTTPClient(&http.Client{Timeout: cfg.OAuth2.Timeout}),
		)
		transportOpts = append(transportOpts,
			connector.WithTokenProvider(oauth2.NewProvider(refresher, st)))
	}
	factory := connector.DefaultFactory(transportOpts...)

	decoder := decode.NewDecoder(
		decode.WithAttachmentLimit(cfg.Import.MaxAttachmentBytes),
		decode.WithArchiveOriginal(cfg.Import.ArchiveOriginal),
	)

	dispatcher := notifications.NewEmailDispatcher(
		notifications.NewSMTPProvider(&cfg.Notifications))

	engineOpts := []ingest.EngineOption{
		ingest.WithDispatcher(dispatcher),
		ingest.WithUpdateOnly(cfg.Import.UpdateOnly),
		ingest.WithFullFirstMessage(cfg.Import.FullFirstMessage),
	}
	if cfg.Import.AttachmentDir != "" {
		engineOpts = append(engineOpts,
			ingest.WithAttachmentProcessor(
				attachments.NewProcessor(st, cfg.Import.AttachmentDir)))
	}
	engine := ingest.NewEngine(st, engineOpts...)

	orc := importer.New(st, factory, engine,
		importer.WithDecoder(decoder),
		importer.WithDebug(cfg.Import.Debug),
		importer.WithMailboxDefaults(models.Importer{
			Transport: cfg.Import.BoxType,
			Host:      cfg.Import.BoxHost,
			Username:  cfg.Import.BoxUser,
			Password:  cfg.Import.BoxPassword,
			UseSSL:    cfg.Import.BoxSSL,
		}),
	)
	return orc, st, nil
}

func runImport(cmd *cobra.Command, args []string) error {
	if err := config.Load(configFlag); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg := config.Get()

	orc, st, err := buildOrchestrator(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	return orc.Run(cmd.Context())
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := config.Load(configFlag); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg := config.Get()

	orc, st, err := buildOrchestrator(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Listen)
	}

	registry := runner.NewTaskRegistry()
	registry.Register(tasks.NewMailImportTask(orc, cfg.Import.Schedule))

	return runner.NewRunner(registry).Start(cmd.Context())
}

func serveMetrics(listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(listen, mux); err != nil {
		fmt.Fprintf(os.Stderr, "metrics listener: %v\n", err)
	}
}

func main() {
	ctx := context.Background()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
