package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "RELAYX"

	DefaultGasLimit           = 3000000
	DefaultEntryPointSelector = "0xe9ae5c53" // ERC-7821 execute(bytes32,bytes)
	DefaultNativeDecimals     = 18
)

type HttpConfig struct {
	Host                  string        `mapstructure:"host" validate:"required"`
	Port                  int           `mapstructure:"port" validate:"min=1,max=65535"`
	Cors                  []string      `mapstructure:"cors"`
	MaxConcurrentRequests int64         `mapstructure:"max_concurrent_requests" validate:"min=1"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	BodyLimit             string        `mapstructure:"body_limit"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=leveldb memory postgres mongo"`
	Path   string `mapstructure:"path"`
	URL    string `mapstructure:"url"`
	Name   string `mapstructure:"name"`
}

type RelayConfig struct {
	FeeCollector       string        `mapstructure:"fee_collector" validate:"required,eth_addr"`
	EntryPointSelector string        `mapstructure:"entry_point_selector" validate:"required,hexadecimal,len=10"`
	SimulatePayments   []string      `mapstructure:"simulate_payments" validate:"dive,oneof=native erc20 sponsored"`
	SimulationTimeout  time.Duration `mapstructure:"simulation_timeout" validate:"gt=0"`
	QuoteValidity      time.Duration `mapstructure:"quote_validity" validate:"gt=0"`
}

type OrchestratorConfig struct {
	Workers            int           `mapstructure:"workers" validate:"min=1"`
	QueueSize          int           `mapstructure:"queue_size" validate:"min=1"`
	ScanInterval       time.Duration `mapstructure:"scan_interval" validate:"gt=0"`
	StallTimeout       time.Duration `mapstructure:"stall_timeout" validate:"gt=0"`
	ReceiptTimeout     time.Duration `mapstructure:"receipt_timeout" validate:"gt=0"`
	BroadcastTimeout   time.Duration `mapstructure:"broadcast_timeout" validate:"gt=0"`
	MaxResubmissions   int           `mapstructure:"max_resubmissions" validate:"min=0"`
	FeeBumpPercent     int           `mapstructure:"fee_bump_percent" validate:"min=10,max=1000"`
	MaxBroadcastErrors int           `mapstructure:"max_broadcast_errors" validate:"min=1"`
	MaxPollErrors      int           `mapstructure:"max_poll_errors" validate:"min=1"`
}

type TokenConfig struct {
	Address          string `mapstructure:"address" validate:"required,eth_addr"`
	Decimals         *uint8 `mapstructure:"decimals" validate:"required"`
	Symbol           string `mapstructure:"symbol"`
	Name             string `mapstructure:"name"`
	UsdPrice         string `mapstructure:"usd_price" validate:"required_without=PriceFeed"`
	PriceFeed        string `mapstructure:"price_feed" validate:"omitempty,eth_addr"`
	PriceFeedChainID uint64 `mapstructure:"price_feed_chain_id"`
}

func (t TokenConfig) GetDecimals() uint8 {
	if t.Decimals == nil {
		return 0
	}
	return *t.Decimals
}

type NativeConfig struct {
	Symbol           string `mapstructure:"symbol"`
	Name             string `mapstructure:"name"`
	Decimals         uint8  `mapstructure:"decimals"`
	UsdPrice         string `mapstructure:"usd_price" validate:"required_without=PriceFeed"`
	PriceFeed        string `mapstructure:"price_feed" validate:"omitempty,eth_addr"`
	PriceFeedChainID uint64 `mapstructure:"price_feed_chain_id"`
}

type ChainConfig struct {
	ChainID            uint64        `mapstructure:"chain_id" validate:"required"`
	Name               string        `mapstructure:"name"`
	RPCUrl             string        `mapstructure:"rpc_url" validate:"required"`
	PrivateKey         string        `mapstructure:"private_key"`
	GasLimit           uint64        `mapstructure:"gas_limit"`
	GasPrice           string        `mapstructure:"gas_price" validate:"omitempty,number"`
	Legacy             bool          `mapstructure:"legacy"`
	EntryPointSelector string        `mapstructure:"entry_point_selector" validate:"omitempty,hexadecimal,len=10"`
	Native             NativeConfig  `mapstructure:"native"`
	Tokens             []TokenConfig `mapstructure:"tokens" validate:"dive"`
}

type PriceConfig struct {
	MaxAge time.Duration `mapstructure:"max_age" validate:"gt=0"`
}

type TelemetryConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
	Insecure    bool   `mapstructure:"insecure"`
}

type Config struct {
	LogLevel     string             `mapstructure:"log_level"`
	LogFormat    string             `mapstructure:"log_format" validate:"oneof=json console"`
	Http         HttpConfig         `mapstructure:"http"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Relay        RelayConfig        `mapstructure:"relay"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Chains       []ChainConfig      `mapstructure:"chains" validate:"required,min=1,dive"`
	Price        PriceConfig        `mapstructure:"price"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("http.host", "127.0.0.1")
	v.SetDefault("http.port", 8545)
	v.SetDefault("http.max_concurrent_requests", 100)
	v.SetDefault("http.request_timeout", "30s")
	v.SetDefault("http.body_limit", "1M")
	v.SetDefault("database.driver", "leveldb")
	v.SetDefault("database.path", "./relayx_db")
	v.SetDefault("database.name", "relayx")
	v.SetDefault("relay.entry_point_selector", DefaultEntryPointSelector)
	v.SetDefault("relay.simulate_payments", []string{"native"})
	v.SetDefault("relay.simulation_timeout", "10s")
	v.SetDefault("relay.quote_validity", "60s")
	v.SetDefault("orchestrator.workers", 8)
	v.SetDefault("orchestrator.queue_size", 1024)
	v.SetDefault("orchestrator.scan_interval", "5s")
	v.SetDefault("orchestrator.stall_timeout", "60s")
	v.SetDefault("orchestrator.receipt_timeout", "10s")
	v.SetDefault("orchestrator.broadcast_timeout", "10s")
	v.SetDefault("orchestrator.max_resubmissions", 5)
	v.SetDefault("orchestrator.fee_bump_percent", 20)
	v.SetDefault("orchestrator.max_broadcast_errors", 3)
	v.SetDefault("orchestrator.max_poll_errors", 20)
	v.SetDefault("price.max_age", "1h")
	v.SetDefault("telemetry.service_name", "relayx")
}

// LoadEnv reads a .env file, if any, into the process environment.
func LoadEnv() error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// Load reads the config file for the environment (config/<env>.json|yaml),
// or path when it is not empty, then applies RELAYX_* overrides.
func Load(environment string, path string) (*Config, error) {
	v := viper.GetViper()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(environment)
		v.AddConfigPath("config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	for i := range cfg.Chains {
		cfg.Chains[i].applyDefaults()
		if cfg.Chains[i].PrivateKey == "" {
			privateKey, err := GetEvmPrivateKey(cfg.Chains[i].ChainID)
			if err != nil {
				return nil, fmt.Errorf("failed to get EVM private key for chain %d: %w", cfg.Chains[i].ChainID, err)
			}
			cfg.Chains[i].PrivateKey = privateKey
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	GlobalConfig = &cfg
	return &cfg, nil
}

func (c *ChainConfig) applyDefaults() {
	if c.GasLimit == 0 {
		c.GasLimit = DefaultGasLimit
	}
	if c.Native.Decimals == 0 {
		c.Native.Decimals = DefaultNativeDecimals
	}
	if c.Native.PriceFeedChainID == 0 {
		c.Native.PriceFeedChainID = c.ChainID
	}
	for i := range c.Tokens {
		if c.Tokens[i].PriceFeedChainID == 0 {
			c.Tokens[i].PriceFeedChainID = c.ChainID
		}
	}
}

func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Database.Driver {
	case "leveldb":
		if c.Database.Path == "" {
			return fmt.Errorf("invalid config: database.path is required for leveldb")
		}
	case "postgres", "mongo":
		if c.Database.URL == "" {
			return fmt.Errorf("invalid config: database.url is required for %s", c.Database.Driver)
		}
	}
	seen := make(map[uint64]bool, len(c.Chains))
	for _, chain := range c.Chains {
		if seen[chain.ChainID] {
			return fmt.Errorf("invalid config: duplicate chain id %d", chain.ChainID)
		}
		seen[chain.ChainID] = true
		if chain.PrivateKey == "" {
			return fmt.Errorf("invalid config: chain %d has no private key", chain.ChainID)
		}
	}
	return nil
}

// EntryPointSelector returns the chain override or the relay-wide selector.
func (c *Config) EntryPointSelector(chainID uint64) string {
	for _, chain := range c.Chains {
		if chain.ChainID == chainID && chain.EntryPointSelector != "" {
			return chain.EntryPointSelector
		}
	}
	return c.Relay.EntryPointSelector
}

func (c *Config) FeeCollector() common.Address {
	return common.HexToAddress(c.Relay.FeeCollector)
}

// GetEvmPrivateKey looks the relayer key up in RELAYX_CHAIN_<id>_PRIVATE_KEY,
// then in $CONFIG_CHAINS/<id>/config.json.
func GetEvmPrivateKey(chainID uint64) (string, error) {
	id := strconv.FormatUint(chainID, 10)
	if key := os.Getenv(fmt.Sprintf("%s_CHAIN_%s_PRIVATE_KEY", EnvPrefix, id)); key != "" {
		return key, nil
	}
	configChainsPath := os.Getenv("CONFIG_CHAINS")
	if configChainsPath == "" {
		return "", fmt.Errorf("no private key configured for chain %s", id)
	}
	configFile := filepath.Join(configChainsPath, id, "config.json")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return "", fmt.Errorf("no config file found for chain %s", id)
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	privateKey := v.GetString("private_key")
	if privateKey == "" {
		return "", fmt.Errorf("no private key found in %s", configFile)
	}
	return privateKey, nil
}
