package app

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/neurobridge-risk/internal/clients/redis"
	"github.com/yungbote/neurobridge-risk/internal/config"
	"github.com/yungbote/neurobridge-risk/internal/data/db"
	"github.com/yungbote/neurobridge-risk/internal/inference/engine"
	"github.com/yungbote/neurobridge-risk/internal/inference/engine/gopenai"
	"github.com/yungbote/neurobridge-risk/internal/inference/engine/mock"
	"github.com/yungbote/neurobridge-risk/internal/inference/engine/oaihttp"
	"github.com/yungbote/neurobridge-risk/internal/platform/gcp"
	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
	"github.com/yungbote/neurobridge-risk/internal/platform/qdrant"
)

// Clients holds the external connections. Every field is optional; a nil
// field means that backend is not configured.
type Clients struct {
	DB      *db.Service
	Objects *gcp.ObjectStore
	Redis   *goredis.Client
	Qdrant  *qdrant.Store

	RefreshBus   *redis.RefreshBus
	ExplainCache *redis.ExplainCache
	Delivery     *redis.Delivery

	Generator engine.Engine
	Embedder  engine.Engine
}

// OpenClients connects everything cfg asks for. On error the clients
// opened so far are closed.
func OpenClients(ctx context.Context, log *logger.Logger, cfg *config.Config) (*Clients, error) {
	log.Info("Wiring clients...")
	c := &Clients{}
	fail := func(err error) (*Clients, error) {
		c.Close()
		return nil, err
	}

	// Database
	svc, err := db.Open(log, cfg.Database)
	if err != nil {
		return fail(fmt.Errorf("init database: %w", err))
	}
	c.DB = svc

	// Gcs
	if usesObjectStorage(cfg) {
		scfg, err := gcp.ResolveStorageConfigFromEnv()
		if err != nil {
			return fail(fmt.Errorf("resolve object storage: %w", err))
		}
		objects, err := gcp.NewObjectStore(ctx, log, scfg)
		if err != nil {
			return fail(fmt.Errorf("init object store: %w", err))
		}
		c.Objects = objects
	}

	// Redis
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		rdb, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return fail(fmt.Errorf("init redis: %w", err))
		}
		c.Redis = rdb
		c.RefreshBus = redis.NewRefreshBus(log, rdb, cfg.Redis.RefreshChannel)
		c.ExplainCache = redis.NewExplainCache(rdb, cfg.Redis.CachePrefix, cfg.Redis.CacheTTL.Duration)
		c.Delivery = redis.NewDelivery(rdb, cfg.Redis.DeliveryChannel)
	}

	// Qdrant
	if strings.EqualFold(cfg.Knowledge.Backend, "qdrant") {
		store, err := qdrant.NewStore(ctx, log, cfg.Knowledge.Qdrant)
		if err != nil {
			return fail(fmt.Errorf("init qdrant: %w", err))
		}
		c.Qdrant = store
	}

	// Engines
	if c.Generator, err = NewEngine(cfg.Generation.Engine); err != nil {
		return fail(fmt.Errorf("init generation engine: %w", err))
	}
	if c.Embedder, err = NewEngine(cfg.Embedding.Engine); err != nil {
		return fail(fmt.Errorf("init embedding engine: %w", err))
	}
	return c, nil
}

// NewEngine builds the backend named by cfg.Type. An empty type returns nil.
func NewEngine(cfg config.EngineConfig) (engine.Engine, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "":
		return nil, nil
	case "mock":
		return mock.New(), nil
	case "oai_http":
		return oaihttp.New(cfg)
	case "openai":
		return gopenai.New(cfg)
	default:
		return nil, fmt.Errorf("unknown engine type %q", cfg.Type)
	}
}

func usesObjectStorage(cfg *config.Config) bool {
	return gcp.IsURI(cfg.Snapshot.Path) || gcp.IsURI(cfg.Knowledge.CorpusPath)
}

func (c *Clients) Close() {
	if c == nil {
		return
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.Objects != nil {
		_ = c.Objects.Close()
	}
	if c.DB != nil {
		_ = c.DB.Close()
	}
}
