package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"goa.design/roundtable/api"
	"goa.design/roundtable/apns"
	"goa.design/roundtable/auth"
	"goa.design/roundtable/bidding"
	"goa.design/roundtable/config"
	"goa.design/roundtable/delivery"
	"goa.design/roundtable/memory"
	"goa.design/roundtable/orchestrator"
	"goa.design/roundtable/provider"
	"goa.design/roundtable/provider/anthropic"
	"goa.design/roundtable/provider/bedrock"
	"goa.design/roundtable/provider/gemini"
	"goa.design/roundtable/provider/groq"
	"goa.design/roundtable/provider/middleware"
	"goa.design/roundtable/provider/mock"
	"goa.design/roundtable/provider/openai"
	"goa.design/roundtable/registry"
	"goa.design/roundtable/store"
	mongostore "goa.design/roundtable/store/mongo"
	redisstore "goa.design/roundtable/store/redis"
	"goa.design/roundtable/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "failed to load configuration")
	}
	if *dbgF {
		cfg.Server.Debug = true
	}
	log.Print(ctx, log.KV{K: "msg", V: "starting roundtable"},
		log.KV{K: "env", V: cfg.Server.Environment},
		log.KV{K: "store", V: cfg.Store.Backend})

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	// Conversation store.
	var (
		convoStore store.Store
		pingers    []health.Pinger
		limits     *rmap.Map
	)
	switch cfg.Store.Backend {
	case config.StoreRedis:
		opts, err := goredis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			log.Fatalf(ctx, err, "invalid redis url")
		}
		rdb := goredis.NewClient(opts)
		rstore, err := redisstore.New(redisstore.Options{Client: rdb, TTL: cfg.Store.TTL})
		if err != nil {
			log.Fatalf(ctx, err, "failed to build redis store")
		}
		convoStore = rstore
		pingers = append(pingers, rstore)
		// Share the adaptive rate-limit budgets across replicas.
		limits, err = rmap.Join(ctx, "roundtable:ratelimits", rdb)
		if err != nil {
			log.Fatalf(ctx, err, "failed to join rate limit map")
		}
	case config.StoreMongo:
		client, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Store.MongoURI))
		if err != nil {
			log.Fatalf(ctx, err, "failed to connect to mongo")
		}
		defer func() { _ = client.Disconnect(context.Background()) }()
		db := cfg.Store.MongoDB
		if db == "" {
			db = "roundtable"
		}
		mstore, err := mongostore.New(mongostore.Options{Client: client, Database: db})
		if err != nil {
			log.Fatalf(ctx, err, "failed to build mongo store")
		}
		convoStore = mstore
		pingers = append(pingers, mstore)
	default:
		convoStore = store.NewMemory()
	}

	// Provider adapter registry. Each backend gets its own rate limiter and
	// circuit breaker inside the factory.
	providerRegistry, err := provider.NewRegistry(providerFactory(ctx, cfg, limits), provider.Options{})
	if err != nil {
		log.Fatalf(ctx, err, "failed to build provider registry")
	}

	// Live session registry.
	sessions := registry.New(ctx, registry.Options{
		IdleTimeout: 5 * time.Minute,
		Logger:      logger,
	})

	// Delivery: live sessions first, push fallback when configured.
	deviceTokens := delivery.NewMemoryTokens()
	deliveryOpts := delivery.Options{
		Registry: sessions,
		Logger:   logger,
		Metrics:  metrics,
	}
	if cfg.PushEnabled() {
		keyPEM, err := os.ReadFile(cfg.Push.KeyFile)
		if err != nil {
			log.Fatalf(ctx, err, "failed to read APNs key")
		}
		pusher, err := apns.New(apns.Options{
			KeyPEM: keyPEM,
			KeyID:  cfg.Push.KeyID,
			TeamID: cfg.Push.TeamID,
			Topic:  cfg.Push.Topic,
		})
		if err != nil {
			log.Fatalf(ctx, err, "failed to build APNs client")
		}
		deliveryOpts.Pusher = pusher
		deliveryOpts.Tokens = deviceTokens
	}
	coordinator, err := delivery.New(deliveryOpts)
	if err != nil {
		log.Fatalf(ctx, err, "failed to build delivery coordinator")
	}

	// Orchestrator.
	engine, err := bidding.NewEngine(cfg.Bidding)
	if err != nil {
		log.Fatalf(ctx, err, "invalid bidding configuration")
	}
	contextManager, err := memory.NewManager(cfg.Memory)
	if err != nil {
		log.Fatalf(ctx, err, "invalid memory configuration")
	}
	conductor, err := orchestrator.New(orchestrator.Options{
		Store:    convoStore,
		Agents:   orchestrator.RegistryAgentSource{Registry: providerRegistry},
		Delivery: coordinator,
		Bidding:  engine,
		Memory:   contextManager,
		Config: orchestrator.Config{
			BidTimeout:          cfg.Orchestrator.BidTimeout,
			ResponseTimeout:     cfg.Orchestrator.ResponseTimeout,
			TurnDelay:           cfg.Orchestrator.TurnDelay,
			TokenBudget:         cfg.Orchestrator.TokenBudget,
			MinBidsRequired:     cfg.Orchestrator.MinBidsRequired,
			MaxConsecutiveSkips: cfg.Orchestrator.MaxConsecutiveSkips,
		},
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "failed to build orchestrator")
	}

	// Authentication.
	var external auth.Verifier
	if cfg.Auth.VerifyURL != "" {
		external = auth.NewHTTPVerifier(cfg.Auth.VerifyURL, nil)
	}
	verifier, err := auth.NewChain(auth.Options{
		External:    external,
		LocalSecret: []byte(cfg.Auth.LocalSecret),
		AllowLocal:  cfg.Auth.AllowLocal,
		Environment: cfg.Server.Environment,
	})
	if err != nil {
		log.Fatalf(ctx, err, "failed to build verifier")
	}

	svc, err := api.New(api.Options{
		Store:     convoStore,
		Conductor: conductor,
		Registry:  sessions,
		Verifier:  verifier,
		Tickets:   auth.NewTicketIssuer(cfg.Auth.TicketTTL),
		Devices:   deviceTokens,
		Health:    pingers,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "failed to build HTTP service")
	}

	// Signal handler and server lifecycle.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	handleHTTPServer(ctx, addr, svc, &wg, errc, cfg.Server.Debug)

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
}

// providerFactory builds backend generators on first use, keyed by provider
// and model. Every backend gets its own resilience stack so one flaky
// provider cannot open the circuit or starve the budget of the others.
func providerFactory(ctx context.Context, cfg config.Config, limits *rmap.Map) provider.Factory {
	return func(fctx context.Context, key provider.Key) (provider.Generator, error) {
		creds := cfg.Providers[key.Provider]
		var (
			gen provider.Generator
			err error
		)
		switch key.Provider {
		case "mock":
			gen = mock.New(mock.Options{Model: key.Model})
		case "anthropic":
			gen, err = anthropic.NewFromAPIKey(creds.APIKey, key.Model)
		case "openai":
			gen, err = openai.NewFromAPIKey(creds.APIKey, key.Model)
		case "groq":
			gen, err = groq.New(creds.APIKey, key.Model)
		case "gemini":
			gen, err = gemini.NewFromAPIKey(ctx, creds.APIKey, key.Model)
		case "bedrock":
			awsCfg, cfgErr := awsconfig.LoadDefaultConfig(fctx)
			if cfgErr != nil {
				return nil, fmt.Errorf("load aws config: %w", cfgErr)
			}
			gen, err = bedrock.NewFromConfig(awsCfg, key.Model)
		default:
			return nil, fmt.Errorf("unknown provider %q", key.Provider)
		}
		if err != nil {
			return nil, err
		}
		return resilient(ctx, limits, key, gen), nil
	}
}

// resilient wraps a backend generator with its own adaptive rate limiter and
// circuit breaker. With a replicated map the limiter budget is shared across
// processes; without one it is process-local.
func resilient(ctx context.Context, limits *rmap.Map, key provider.Key, gen provider.Generator) provider.Generator {
	name := fmt.Sprintf("tpm:%s:%s", key.Provider, key.Model)
	gen = middleware.NewAdaptiveRateLimiter(ctx, limits, name, 0, 0).Middleware()(gen)
	return middleware.NewCircuitBreaker(middleware.CircuitOptions{}).Middleware()(gen)
}
