// Package config centralises runtime configuration for the trading client.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/quantfall/deriva/errs"
	"github.com/quantfall/deriva/internal/strategy"
)

// Environment identifies the runtime environment where the client operates.
type Environment string

const (
	// EnvDev marks the development environment (Deribit testnet).
	EnvDev Environment = "dev"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Credentials captures API credentials used for authenticated requests.
type Credentials struct {
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
}

// TradingConfig declares the hard limits enforced by the risk engine.
type TradingConfig struct {
	MaxPositionSize   decimal.Decimal `yaml:"maxPositionSize"`
	MaxOrderSize      decimal.Decimal `yaml:"maxOrderSize"`
	MaxLossPerTrade   decimal.Decimal `yaml:"maxLossPerTrade"`
	MaxDailyLoss      decimal.Decimal `yaml:"maxDailyLoss"`
	MaxExposure       decimal.Decimal `yaml:"maxExposure"`
	MaxOpenOrders     int             `yaml:"maxOpenOrders"`
	OrderThrottle     float64         `yaml:"orderThrottle"`
	SlippageTolerance float64         `yaml:"slippageTolerance"`
	PriceTolerance    float64         `yaml:"priceTolerance"`
}

// NetworkConfig governs transport endpoints and reconnection behaviour.
type NetworkConfig struct {
	WebsocketURL         string        `yaml:"websocketUrl"`
	Credentials          Credentials   `yaml:"credentials"`
	HandshakeTimeout     time.Duration `yaml:"handshakeTimeout"`
	RPCTimeout           time.Duration `yaml:"rpcTimeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeatInterval"`
	ReconnectInterval    time.Duration `yaml:"reconnectInterval"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts"`
}

// PerformanceConfig tunes the measurement and housekeeping subsystems.
type PerformanceConfig struct {
	LatencyThreshold    time.Duration `yaml:"latencyThreshold"`
	CPUThresholdPercent float64       `yaml:"cpuThresholdPercent"`
	MemoryThresholdMB   float64       `yaml:"memoryThresholdMb"`
	SampleWindow        int           `yaml:"sampleWindow"`
	TradeHistoryDepth   int           `yaml:"tradeHistoryDepth"`
	StaleAfter          time.Duration `yaml:"staleAfter"`
	ResourceInterval    time.Duration `yaml:"resourceInterval"`
	ExportInterval      time.Duration `yaml:"exportInterval"`
	ExportDir           string        `yaml:"exportDir"`
	MaxQueueSize        int           `yaml:"maxQueueSize"`
	WorkerCount         int           `yaml:"workerCount"`
}

// TelemetryConfig selects the OpenTelemetry exporter target.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings contains the configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment       `yaml:"environment"`
	Trading     TradingConfig     `yaml:"trading"`
	Network     NetworkConfig     `yaml:"network"`
	Performance PerformanceConfig `yaml:"performance"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Strategies  []strategy.Config `yaml:"strategies"`
}

// Default returns the default client configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Trading: TradingConfig{
			MaxPositionSize:   decimal.NewFromInt(10),
			MaxOrderSize:      decimal.NewFromInt(1),
			MaxLossPerTrade:   decimal.NewFromInt(1000),
			MaxDailyLoss:      decimal.NewFromInt(5000),
			MaxExposure:       decimal.NewFromInt(100000),
			MaxOpenOrders:     10,
			OrderThrottle:     5,
			SlippageTolerance: 0.001,
			PriceTolerance:    0.005,
		},
		Network: NetworkConfig{
			WebsocketURL:         "wss://www.deribit.com/ws/api/v2",
			Credentials:          Credentials{APIKey: "", APISecret: ""},
			HandshakeTimeout:     10 * time.Second,
			RPCTimeout:           5 * time.Second,
			HeartbeatInterval:    30 * time.Second,
			ReconnectInterval:    time.Second,
			MaxReconnectAttempts: 10,
		},
		Performance: PerformanceConfig{
			LatencyThreshold:    100 * time.Millisecond,
			CPUThresholdPercent: 80,
			MemoryThresholdMB:   512,
			SampleWindow:        1000,
			TradeHistoryDepth:   1000,
			StaleAfter:          5 * time.Minute,
			ResourceInterval:    10 * time.Second,
			ExportInterval:      time.Minute,
			ExportDir:           "reports",
			MaxQueueSize:        1024,
			WorkerCount:         4,
		},
		Telemetry: TelemetryConfig{OTLPEndpoint: "", ServiceName: "deriva-trader"},
	}
}

// Load reads settings from the YAML file at path, layered over defaults and
// environment overrides. A missing file is not an error; defaults apply.
func Load(path string) (Settings, bool, error) {
	cfg := Default()
	loaded := false
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Settings{}, false, fmt.Errorf("parse config %s: %w", path, err)
			}
			loaded = true
		case os.IsNotExist(err):
		default:
			return Settings{}, false, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Settings{}, loaded, err
	}
	return cfg, loaded, nil
}

func applyEnv(cfg *Settings) {
	if v := strings.TrimSpace(os.Getenv("DERIVA_ENV")); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("DERIVA_WS_URL")); v != "" {
		cfg.Network.WebsocketURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DERIVA_API_KEY")); v != "" {
		cfg.Network.Credentials.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("DERIVA_API_SECRET")); v != "" {
		cfg.Network.Credentials.APISecret = v
	}
	if v := strings.TrimSpace(os.Getenv("DERIVA_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
}

// Validate rejects configurations the client must not trade with.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Network.WebsocketURL) == "" {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("network.websocketUrl required"))
	}
	if !strings.HasPrefix(s.Network.WebsocketURL, "ws://") && !strings.HasPrefix(s.Network.WebsocketURL, "wss://") {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("network.websocketUrl must be a ws:// or wss:// URL"))
	}
	if s.Network.RPCTimeout <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("network.rpcTimeout must be positive"))
	}
	if s.Network.ReconnectInterval <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("network.reconnectInterval must be positive"))
	}
	if s.Network.MaxReconnectAttempts <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("network.maxReconnectAttempts must be positive"))
	}
	for name, limit := range map[string]decimal.Decimal{
		"trading.maxPositionSize": s.Trading.MaxPositionSize,
		"trading.maxOrderSize":    s.Trading.MaxOrderSize,
		"trading.maxLossPerTrade": s.Trading.MaxLossPerTrade,
		"trading.maxDailyLoss":    s.Trading.MaxDailyLoss,
		"trading.maxExposure":     s.Trading.MaxExposure,
	} {
		if limit.Sign() <= 0 {
			return errs.New("config", errs.CodeInvalid, errs.WithMessage(name+" must be positive"))
		}
	}
	if s.Trading.MaxOrderSize.GreaterThan(s.Trading.MaxPositionSize) {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("trading.maxOrderSize must not exceed trading.maxPositionSize"))
	}
	if s.Trading.MaxOpenOrders <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("trading.maxOpenOrders must be positive"))
	}
	if s.Trading.OrderThrottle <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("trading.orderThrottle must be positive"))
	}
	if s.Performance.SampleWindow <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("performance.sampleWindow must be positive"))
	}
	if s.Performance.TradeHistoryDepth <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("performance.tradeHistoryDepth must be positive"))
	}
	if s.Performance.StaleAfter <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("performance.staleAfter must be positive"))
	}
	if s.Performance.WorkerCount <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("performance.workerCount must be positive"))
	}
	seen := make(map[string]struct{}, len(s.Strategies))
	for _, sc := range s.Strategies {
		if err := sc.Validate(); err != nil {
			return err
		}
		if _, dup := seen[sc.Name]; dup {
			return errs.New("config", errs.CodeInvalid, errs.WithMessage("duplicate strategy name: "+sc.Name))
		}
		seen[sc.Name] = struct{}{}
	}
	return nil
}
