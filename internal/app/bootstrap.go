package app

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"polymaker/internal/domain"
	"polymaker/internal/engine"
	"polymaker/internal/infra"
	"polymaker/internal/infra/storage"
	"polymaker/internal/order"
	"polymaker/internal/pricing"
	"polymaker/internal/quoting"
	"polymaker/internal/risk"
	"polymaker/internal/service"
	"polymaker/internal/venue"
)

// Bootstrap assembles the application from configuration.
type Bootstrap struct {
	Config *infra.Config
	Logger *slog.Logger
	Store  *storage.Store
	Engine *engine.Engine
}

func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration and wires every component.
func (b *Bootstrap) Initialize() error {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	logPath := flag.String("log", "logs/polymaker.log", "path to the rotating log file")
	dbPath := flag.String("db", "data/polymaker.db", "path to the sqlite database")
	flag.Parse()

	cfg, err := infra.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	b.Config = cfg

	b.Logger = infra.NewLogger(cfg.Logging.Level, *logPath)
	slog.SetDefault(b.Logger)

	store, err := storage.NewStore(*dbPath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	b.Store = store

	var client domain.VenueClient
	switch cfg.Venue.Mode {
	case infra.ModeLive:
		client = venue.NewLiveClient(cfg.Venue.APIURL, apiKeyFromEnv(), cfg.RequestTimeout(), b.Logger)
	default:
		client = venue.NewSandbox(time.Now().UnixNano(), b.Logger)
	}

	inv := domain.NewInventoryBook()
	signals := service.NewMarketService(b.Logger)

	quoter := quoting.NewEngine(quoting.Config{
		Pricing:          pricingConfig(cfg),
		DefaultSizeUSD:   cfg.Quoting.DefaultSizeUSD,
		MinSizeUSD:       cfg.Quoting.MinSizeUSD,
		MaxSizeUSD:       cfg.Quoting.MaxSizeUSD,
		MaxExposureUSD:   cfg.Inventory.MaxExposureUSD,
		MinExposureUSD:   cfg.Inventory.MinExposureUSD,
		MaxInventorySkew: cfg.Inventory.MaxInventorySkew,
	}, b.Logger)

	riskMgr := risk.NewManager(riskLimits(cfg),
		decimal.NewFromFloat(cfg.Trading.CapitalUSD), b.Logger, nil)

	orders := order.NewManager(client, inv, order.Config{
		SimulatedFills: cfg.Venue.Mode == infra.ModeSandbox,
		RebateRate:     cfg.Trading.RebateRate,
		Lifetime:       time.Duration(cfg.Quoting.OrderLifetimeSec) * time.Second,
		StaleMaxAge:    time.Duration(cfg.Quoting.StaleMaxAgeSec) * time.Second,
	}, b.Logger, nil, store)

	b.Engine = engine.New(cfg, engine.Deps{
		Venue:   client,
		Store:   store,
		Quoter:  quoter,
		Risk:    riskMgr,
		Orders:  orders,
		Signals: signals,
		Inv:     inv,
		Metrics: infra.NewMetrics(),
	}, b.Logger)

	return nil
}

// Close releases held resources.
func (b *Bootstrap) Close() {
	if b.Store != nil {
		b.Store.Close()
	}
}

func apiKeyFromEnv() string {
	return os.Getenv("POLYMAKER_API_KEY")
}

func pricingConfig(cfg *infra.Config) pricing.Config {
	p := pricing.DefaultConfig()
	p.MinSpreadBps = cfg.Quoting.MinSpreadBps
	p.MaxSpreadBps = cfg.Quoting.MaxSpreadBps
	p.VolMultiplier = cfg.Quoting.VolMultiplier
	p.BasePositioning = cfg.Quoting.BasePositioning
	p.SkewSensitivity = cfg.Quoting.SkewSensitivity
	p.BuyStopThreshold = cfg.Quoting.BuyStopThreshold
	p.SellStopThreshold = cfg.Quoting.SellStopThreshold
	return p
}

func riskLimits(cfg *infra.Config) risk.Limits {
	return risk.Limits{
		MaxExposureUSD:          cfg.Inventory.MaxExposureUSD,
		MinExposureUSD:          cfg.Inventory.MinExposureUSD,
		MaxPositionSizeUSD:      cfg.Inventory.MaxPositionSizeUSD,
		MaxSingleOrderUSD:       cfg.Inventory.MaxSingleOrderUSD,
		MaxInventorySkew:        cfg.Inventory.MaxInventorySkew,
		StopLossPct:             cfg.Risk.StopLossPct,
		StopLossCooldown:        time.Duration(cfg.Risk.StopLossCooldownMin) * time.Minute,
		MaxConsecutiveLosses:    cfg.Risk.MaxConsecutiveLosses,
		ConsecutiveLossCooldown: time.Duration(cfg.Risk.ConsecutiveLossCooldownMin) * time.Minute,
		MaxAPIFailures:          cfg.Risk.MaxAPIFailures,
		APIFailureWindow:        time.Duration(cfg.Risk.APIFailureCooldownMin) * time.Minute,
		APIFailureCooldown:      time.Duration(cfg.Risk.APIFailureCooldownMin) * time.Minute,
	}
}
