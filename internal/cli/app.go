package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"voltsettle/internal/challenge"
	"voltsettle/internal/config"
	"voltsettle/internal/database"
	"voltsettle/internal/escrow"
	"voltsettle/internal/events"
	"voltsettle/internal/invoice"
	"voltsettle/internal/ledger"
	"voltsettle/internal/metrics"
	"voltsettle/internal/mirror"
	"voltsettle/internal/retry"
	"voltsettle/internal/review"
	"voltsettle/internal/server"
	"voltsettle/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// app holds every wired component. Postgres and Redis are optional; without
// them the in-memory and file-backed stores are used.
type app struct {
	cfg        *config.AppConfig
	metrics    *metrics.Registry
	pool       *pgxpool.Pool
	redis      *redis.Client
	chain      escrow.Client
	reviews    review.Queue
	ledger     *ledger.Ledger
	settlement *settlement.Scheduler
	challenges *challenge.Issuer
	dbHealth   func(context.Context) error
}

type options struct {
	fakeChain    bool
	invoicesPath string
}

func loadConfig(opts options) (*config.AppConfig, error) {
	cfg, err := config.Read()
	if err != nil {
		return nil, err
	}
	if opts.fakeChain {
		cfg.Chain.FakeChain = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func build(ctx context.Context, cfg *config.AppConfig, opts options) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if cfg.Postgres.DSN != "" {
		pool, err := database.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.pool = pool
		a.dbHealth = pool.Ping
	}
	if cfg.Redis.Addr != "" {
		rdb, err := database.OpenRedis(cfg.Redis.Addr, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.redis = rdb
	}

	catalog, err := a.catalog(opts.invoicesPath)
	if err != nil {
		return nil, err
	}
	store, err := a.ledgerStore(ctx)
	if err != nil {
		return nil, err
	}
	if a.reviews, err = a.reviewQueue(ctx); err != nil {
		return nil, err
	}
	if a.chain, err = a.chainClient(ctx); err != nil {
		return nil, err
	}

	var sink events.Publisher = events.LogPublisher{}
	challengeStore := challenge.Store(challenge.NewMemoryStore())
	if a.redis != nil {
		sink = events.NewRedisStream(a.redis, cfg.Events.Stream, cfg.Events.MaxLen)
		challengeStore = challenge.NewRedisStore(a.redis)
	}
	pub := events.NewBestEffort(sink, cfg.Events.Timeout, a.metrics)
	a.challenges = challenge.NewIssuer(challengeStore, cfg.Service.ChallengeTTL)

	fraction, _ := cfg.FractionSize()
	decimals := map[string]int32{}
	if cfg.Ledger.VUSDToken != "" {
		decimals[cfg.Ledger.VUSDToken] = int32(cfg.Ledger.VUSDDecimals)
	}
	verifier := mirror.NewVerifier(mirror.NewClient(cfg.Mirror.BaseURL, cfg.Mirror.Timeout), mirror.VerifierConfig{
		MaxAttempts: cfg.Mirror.MaxAttempts,
		Delay:       retry.Exponential(cfg.Retry.InitialBackoff, cfg.Retry.MaxBackoff, cfg.Retry.Multiplier),
		Decimals:    decimals,
	}, a.metrics)

	loc := escrow.NewLocator(catalog)
	executor := escrow.NewExecutor(a.chain, a.metrics)

	a.ledger = ledger.New(ledger.Config{
		FractionSize:     fraction,
		VUSDToken:        cfg.Ledger.VUSDToken,
		ReservationLease: cfg.Ledger.ReservationLease,
	}, ledger.Deps{
		Store:    store,
		Locator:  loc,
		Verifier: verifier,
		Chain:    executor,
		Reviews:  a.reviews,
		Events:   pub,
		Metrics:  a.metrics,
	})
	a.settlement = settlement.NewScheduler(settlement.Config{
		BatchSize:     cfg.Settlement.BatchSize,
		ClaimLease:    cfg.Settlement.ClaimLease,
		YieldDecimals: int32(cfg.Ledger.VUSDDecimals),
	}, store, loc, executor, a.reviews, pub, a.metrics)

	ok = true
	return a, nil
}

func (a *app) catalog(invoicesPath string) (invoice.Catalog, error) {
	if a.pool != nil && invoicesPath == "" {
		return invoice.NewPostgresCatalog(a.pool), nil
	}
	catalog := invoice.NewMemoryCatalog()
	if invoicesPath == "" {
		log.Printf("voltsettle: no postgres dsn or invoice file; the invoice catalog is empty")
		return catalog, nil
	}
	raw, err := os.ReadFile(invoicesPath)
	if err != nil {
		return nil, fmt.Errorf("read invoices: %w", err)
	}
	var list []invoice.Invoice
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parse invoices %s: %w", invoicesPath, err)
	}
	for _, inv := range list {
		catalog.Put(inv)
	}
	log.Printf("voltsettle: loaded %d invoices from %s", len(list), invoicesPath)
	return catalog, nil
}

func (a *app) ledgerStore(ctx context.Context) (ledger.Store, error) {
	if a.pool == nil {
		log.Printf("voltsettle: using in-memory ledger store")
		return ledger.NewMemoryStore(), nil
	}
	return ledger.NewPostgresStore(ctx, a.pool)
}

func (a *app) reviewQueue(ctx context.Context) (review.Queue, error) {
	if a.pool != nil {
		return review.NewPostgresStore(ctx, a.pool)
	}
	return review.NewFileStore(a.cfg.Service.ReviewStorePath)
}

func (a *app) chainClient(ctx context.Context) (escrow.Client, error) {
	if a.cfg.Chain.FakeChain {
		log.Printf("voltsettle: using in-memory escrow (fake chain)")
		return escrow.NewFakeClient(common.HexToAddress("0x00000000000000000000000000000000000f4ce0")), nil
	}
	return escrow.NewEthClient(ctx, escrow.EthClientConfig{
		RPCURL:              a.cfg.Chain.RPCURL,
		PrivateKeyHex:       a.cfg.Chain.PrivateKey,
		ReceiptPollInterval: a.cfg.Chain.ReceiptPoll,
		ConfirmTimeout:      a.cfg.Chain.ConfirmTimeout,
	})
}

func (a *app) server() *server.Server {
	deps := server.Deps{
		Ledger:     a.ledger,
		Settlement: a.settlement,
		Challenges: a.challenges,
		Reviews:    a.reviews,
		Metrics:    a.metrics,
		DBHealth:   a.dbHealth,
	}
	if checker, ok := a.chain.(escrow.HealthChecker); ok {
		deps.RPCHealth = checker.Ping
	}
	return server.NewServer(a.cfg, deps)
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
