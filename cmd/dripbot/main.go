package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/getsentry/sentry-go"
	"github.com/google/go-github/v62/github"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver for migrations
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/oauth2"

	"github.com/faucetlabs/drip/internal/bot"
	"github.com/faucetlabs/drip/pkg/config"
	"github.com/faucetlabs/drip/pkg/distribute"
	"github.com/faucetlabs/drip/pkg/identity"
	"github.com/faucetlabs/drip/pkg/ledger"
	"github.com/faucetlabs/drip/pkg/metrics"
	"github.com/faucetlabs/drip/pkg/notify"
	"github.com/faucetlabs/drip/pkg/rpc"
	"github.com/faucetlabs/drip/pkg/transfer"
	"github.com/faucetlabs/drip/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultListenAddr = "0.0.0.0:3000"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address to listen on for webhook deliveries")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 60*time.Second, "Maximum time to wait for in-flight sessions during graceful shutdown")
	sessionTimeoutFlag := flag.Duration("session-timeout", 10*time.Minute, "Maximum time for one event session end to end")
	migrateFlag := flag.Bool("migrate", false, "Run identity database migrations and exit")
	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
			Release:     version,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if *migrateFlag {
		db, err := sql.Open("pgx", os.Getenv("DATABASE_URL"))
		if err != nil {
			return fmt.Errorf("failed to open identity database: %w", err)
		}
		defer db.Close()
		return identity.Migrate(log, db)
	}

	settings, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	networks, err := config.LoadNetworksFromEnv()
	if err != nil {
		return err
	}

	webhookSecret := os.Getenv("WEBHOOK_SECRET")
	if webhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}
	githubToken := os.Getenv("GITHUB_TOKEN")
	if githubToken == "" {
		return fmt.Errorf("GITHUB_TOKEN is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ghClient := github.NewClient(oauth2.NewClient(ctx, oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: githubToken},
	)))

	store, err := newLedgerStore(ctx, log, ghClient)
	if err != nil {
		return err
	}
	log.Info("claim ledger ready", "store", store.Name())

	selector, err := rpc.NewSelector(rpc.Config{
		Logger:   log,
		Networks: networks,
	})
	if err != nil {
		return err
	}

	engine, err := transfer.New(transfer.Config{
		Logger: log,
		Key:    settings.FundingKey,
	})
	if err != nil {
		return err
	}
	log.Info("transfer engine ready", "funding_wallet", engine.From())

	var resolver distribute.Resolver
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return fmt.Errorf("failed to connect to identity database: %w", err)
		}
		defer pool.Close()
		resolver, err = identity.NewResolver(identity.Config{Logger: log, Pool: pool})
		if err != nil {
			return err
		}
		log.Info("identity resolver ready")
	}

	handler, err := bot.NewHandler(bot.HandlerConfig{
		Logger:         log,
		Settings:       settings,
		Store:          store,
		Selector:       selector,
		Engine:         engine,
		Resolver:       resolver,
		SessionTimeout: *sessionTimeoutFlag,
		Notifier: func(repo bot.RepoRef, issue int) (distribute.Notifier, error) {
			return notify.NewIssueNotifier(notify.IssueNotifierConfig{
				Logger: log,
				Client: ghClient,
				Owner:  repo.Owner,
				Repo:   repo.Name,
				Issue:  issue,
			})
		},
	})
	if err != nil {
		return err
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	server, err := bot.NewServer(bot.ServerConfig{
		Logger:          log,
		Handler:         handler,
		ListenAddr:      *listenAddrFlag,
		WebhookSecret:   []byte(webhookSecret),
		ShutdownTimeout: *shutdownTimeoutFlag,
		VersionInfo:     bot.VersionInfo{Version: version, Commit: commit, Date: date},
	})
	if err != nil {
		return err
	}

	return server.Run(ctx)
}

// newLedgerStore builds the ledger backend selected by LEDGER_STORE:
// "github" (default) keeps the blob as a repo file, "s3" as a bucket
// object.
func newLedgerStore(ctx context.Context, log *slog.Logger, ghClient *github.Client) (ledger.Store, error) {
	switch kind := os.Getenv("LEDGER_STORE"); kind {
	case "", "github":
		owner := os.Getenv("LEDGER_REPO_OWNER")
		repo := os.Getenv("LEDGER_REPO_NAME")
		if owner == "" || repo == "" {
			return nil, fmt.Errorf("LEDGER_REPO_OWNER and LEDGER_REPO_NAME are required for the github ledger store")
		}
		path := os.Getenv("LEDGER_REPO_PATH")
		if path == "" {
			path = "dripbot-storage.json"
		}
		return ledger.NewGitHubStore(ledger.GitHubStoreConfig{
			Logger: log,
			Client: ghClient,
			Owner:  owner,
			Repo:   repo,
			Path:   path,
			Branch: os.Getenv("LEDGER_REPO_BRANCH"),
		})
	case "s3":
		bucket := os.Getenv("LEDGER_S3_BUCKET")
		key := os.Getenv("LEDGER_S3_KEY")
		if bucket == "" || key == "" {
			return nil, fmt.Errorf("LEDGER_S3_BUCKET and LEDGER_S3_KEY are required for the s3 ledger store")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		return ledger.NewS3Store(ledger.S3StoreConfig{
			Logger: log,
			Client: s3.NewFromConfig(awsCfg),
			Bucket: bucket,
			Key:    key,
		})
	default:
		return nil, fmt.Errorf("unknown LEDGER_STORE %q", kind)
	}
}
