// Package bootstrap builds the collaborators shared by the service binaries from config.
package bootstrap

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/ticket-settlement/internal/adapters/crdb"
	"github.com/robertarktes/ticket-settlement/internal/adapters/memory"
	mongoadapter "github.com/robertarktes/ticket-settlement/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/ticket-settlement/internal/adapters/redis"
	"github.com/robertarktes/ticket-settlement/internal/config"
	"github.com/robertarktes/ticket-settlement/internal/custodial"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/robertarktes/ticket-settlement/internal/ledger"
	"github.com/robertarktes/ticket-settlement/internal/observability"
	"github.com/robertarktes/ticket-settlement/internal/outbox"
	"github.com/robertarktes/ticket-settlement/internal/payout"
	"github.com/robertarktes/ticket-settlement/internal/settlement"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Pinger is anything a readiness probe can check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Runtime holds opened connections. Close releases them in reverse order.
type Runtime struct {
	Store    domain.Store
	Outbox   outbox.Source
	Audit    domain.Auditor
	Metadata domain.MetadataStore
	Redis    *redisadapter.Cache
	Ready    map[string]Pinger

	closers []func()
}

func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// Open connects the store, and Mongo and Redis when configured. Without Mongo the audit
// trail is dropped and metadata stays in process; without Redis callers fall back to
// in-process locks and limits.
func Open(ctx context.Context, cfg *config.Config, logger observability.Logger) (*Runtime, error) {
	rt := &Runtime{Ready: map[string]Pinger{}}

	switch cfg.StoreDriver {
	case config.StoreMemory:
		store := memory.New()
		rt.Store, rt.Outbox = store, store
		logger.Warn("using the in-memory store, data is lost on exit")
	default:
		pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
		if err != nil {
			return nil, errors.Wrap(err, "connect to crdb")
		}
		rt.closers = append(rt.closers, pool.Close)
		repo := crdb.NewRepository(pool)
		if err := repo.Migrate(ctx); err != nil {
			rt.Close()
			return nil, err
		}
		rt.Store, rt.Outbox = repo, repo
	}
	rt.Ready["store"] = rt.Store

	if cfg.MongoURI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			rt.Close()
			return nil, errors.Wrap(err, "connect to mongo")
		}
		rt.closers = append(rt.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Disconnect(ctx)
		})
		db := client.Database(cfg.MongoDB)
		metadata := mongoadapter.NewAssetMetadataStore(db, logger)
		rt.Audit = mongoadapter.NewAuditLogger(db, logger)
		rt.Metadata = metadata
		rt.Ready["mongo"] = metadata
	} else {
		rt.Audit = domain.NopAuditor{}
		rt.Metadata = memory.NewMetadataStore()
	}

	if cfg.RedisAddr != "" {
		client := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		rt.closers = append(rt.closers, func() { client.Close() })
		rt.Redis = redisadapter.NewCache(client)
		rt.Ready["redis"] = rt.Redis
	}
	return rt, nil
}

// Ledger dials the ledger RPC endpoint.
func Ledger(ctx context.Context, cfg *config.Config) (*ledger.RPCClient, error) {
	if cfg.LedgerRPCURL == "" {
		return nil, errors.New("LEDGER_RPC_URL is required")
	}
	return ledger.Dial(ctx, cfg.LedgerRPCURL, cfg.LedgerAuthToken, cfg.LedgerRPS, cfg.ExternalCallTimeout)
}

func Fees(cfg *config.Config) settlement.FeeSchedule {
	return settlement.FeeSchedule{
		PlatformPercent: cfg.PlatformFeePercent,
		ResalePercent:   cfg.ResaleFeePercent,
	}
}

// Engine builds the settlement engine over an opened runtime.
func Engine(cfg *config.Config, rt *Runtime, l ledger.Ledger, resolver *custodial.Resolver, logger observability.Logger) *settlement.Engine {
	payouts := payout.NewHTTPClient(cfg.PayoutBaseURL, cfg.PayoutAPIKey, nil)
	return settlement.NewEngine(rt.Store, l, payouts, resolver, rt.Metadata, logger, settlement.Config{
		Fees:             Fees(cfg),
		TreasuryAddress:  cfg.TreasuryAddress,
		PlatformTransfer: cfg.PlatformTransferMethod,
		PlatformAccount: payout.BankAccount{
			Number: cfg.PlatformBankAccount,
			Bank:   cfg.PlatformBankName,
			Holder: cfg.PlatformAccountHolder,
		},
		StepTimeout: cfg.ExternalCallTimeout,
	})
}
