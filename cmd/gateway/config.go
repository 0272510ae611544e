package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/RogueTeam/ltcsweep/blockchains"
	"github.com/RogueTeam/ltcsweep/blockchains/electrum"
	"github.com/RogueTeam/ltcsweep/decimal"
	"github.com/RogueTeam/ltcsweep/gateway"
	"github.com/RogueTeam/ltcsweep/internal/electrumrpc/rpc"
	"github.com/RogueTeam/ltcsweep/keyvault"
	"github.com/RogueTeam/ltcsweep/payments"
	"github.com/RogueTeam/ltcsweep/payments/badgerstore"
	"github.com/RogueTeam/ltcsweep/payments/sqlitestore"
	"github.com/RogueTeam/ltcsweep/sweeper"
	"github.com/RogueTeam/ltcsweep/utils"
	"github.com/RogueTeam/ltcsweep/webhook"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var ErrConfiguration = errors.New("invalid configuration")

const (
	EncryptionKeyEnv = "ENCRYPTION_KEY"
	WebhookSecretEnv = "WEBHOOK_SECRET"
)

const (
	DriverBadger = "badger"
	DriverSQLite = "sqlite"
)

// Yaml configuration reference
type (
	Database struct {
		// badger or sqlite
		Driver string `yaml:"driver" validate:"omitempty,oneof=badger sqlite"`
		// Directory for badger, file for sqlite
		Path string `yaml:"path" validate:"required"`
	}
	Electrum struct {
		Address     string        `yaml:"address" validate:"required,hostname_port"`
		TLS         bool          `yaml:"tls"`
		InsecureTLS bool          `yaml:"insecure-tls"`
		Socks5      string        `yaml:"socks5" validate:"omitempty,hostname_port"`
		Timeout     time.Duration `yaml:"timeout" validate:"gte=0"`
		PoolSize    int           `yaml:"pool-size" validate:"gte=0"`
		Retries     int           `yaml:"retries" validate:"gte=0"`
	}
	Webhook struct {
		URL      string        `yaml:"url" validate:"omitempty,url"`
		Username string        `yaml:"username"`
		Password string        `yaml:"password"`
		Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
	}
	Config struct {
		ListenAddress string `yaml:"listen-address" validate:"required"`
		LogLevel      string `yaml:"log-level" validate:"omitempty,oneof=debug info warn error"`
		// litecoin, litecoin-testnet or litecoin-regtest
		Network string `yaml:"network" validate:"omitempty,oneof=litecoin litecoin-testnet litecoin-regtest"`
		// Address receiving every sweep
		ColdAddress string `yaml:"cold-address" validate:"required"`
		// Confirmations required before sweeping a payment
		Confirmations       uint64          `yaml:"confirmations"`
		SweepInterval       time.Duration   `yaml:"sweep-interval" validate:"gte=0"`
		SecondarySweepEvery uint64          `yaml:"secondary-sweep-every"`
		SweepConcurrency    int             `yaml:"sweep-concurrency" validate:"gte=0"`
		Timeout             time.Duration   `yaml:"receive-timeout" validate:"gte=0"`
		MinAmount           decimal.Decimal `yaml:"min-amount"`
		MaxAmount           decimal.Decimal `yaml:"max-amount"`
		Database            Database        `yaml:"database"`
		Electrum            Electrum        `yaml:"electrum"`
		Webhook             Webhook         `yaml:"webhook"`
	}
)

// Secrets never live in the YAML file
type Secrets struct {
	EncryptionKey []byte
	WebhookSecret []byte
}

// LoadConfig reads and validates the YAML file at path
func LoadConfig(path string) (config Config, err error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("%w: failed to read %s: %w", ErrConfiguration, path, err)
	}

	err = yaml.Unmarshal(contents, &config)
	if err != nil {
		return config, fmt.Errorf("%w: failed to parse %s: %w", ErrConfiguration, path, err)
	}

	err = validator.New().Struct(&config)
	if err != nil {
		return config, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return config, nil
}

// LoadSecrets reads the secrets from the process environment, falling back to
// envFile when set and present
func LoadSecrets(envFile string) (secrets Secrets, err error) {
	env := map[string]string{}
	if envFile != "" {
		env, err = godotenv.Read(envFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return secrets, fmt.Errorf("%w: failed to read %s: %w", ErrConfiguration, envFile, err)
		}
		if env == nil {
			env = map[string]string{}
		}
	}
	lookup := func(key string) string {
		if value, found := os.LookupEnv(key); found {
			return value
		}
		return env[key]
	}

	rawKey := lookup(EncryptionKeyEnv)
	if rawKey == "" {
		return secrets, fmt.Errorf("%w: %s not set", ErrConfiguration, EncryptionKeyEnv)
	}
	secrets.EncryptionKey, err = keyvault.ParseEncryptionKey(rawKey)
	if err != nil {
		return secrets, fmt.Errorf("%w: %s: %w", ErrConfiguration, EncryptionKeyEnv, err)
	}
	secrets.WebhookSecret = []byte(lookup(WebhookSecretEnv))
	return secrets, nil
}

// NewLogger builds the process logger writing to w
func (c *Config) NewLogger(w io.Writer) (logger *slog.Logger) {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Services built from the configuration. Close releases them
type Services struct {
	Logger   *slog.Logger
	Vault    *keyvault.Vault
	Store    payments.Store
	Client   *rpc.Client
	Chain    blockchains.Chain
	Notifier *webhook.Notifier
	Gateway  *gateway.Controller
	Sweeper  *sweeper.Sweeper
	closers  []func() error
}

func (s *Services) Close() (err error) {
	for index := len(s.closers) - 1; index >= 0; index-- {
		err = errors.Join(err, s.closers[index]())
	}
	return err
}

func (c *Config) openStore(ctx context.Context, services *Services) (err error) {
	switch c.Database.Driver {
	case DriverSQLite:
		db, err := sqlitestore.Open(ctx, c.Database.Path)
		if err != nil {
			return err
		}
		services.closers = append(services.closers, db.Close)
		services.Store = sqlitestore.New(sqlitestore.Config{DB: db})
	default:
		db, err := badger.Open(badger.DefaultOptions(c.Database.Path).WithLogger(nil))
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		services.closers = append(services.closers, db.Close)
		services.Store = badgerstore.New(badgerstore.Config{DB: db})
	}
	return nil
}

// Compile builds every service once. Configuration errors wrap ErrConfiguration
func (c *Config) Compile(ctx context.Context, secrets Secrets, logger *slog.Logger) (services *Services, err error) {
	services = &Services{Logger: logger}
	defer func() {
		if err != nil {
			services.Close()
			services = nil
		}
	}()

	networkName := c.Network
	if networkName == "" {
		networkName = keyvault.Litecoin.Name
	}
	network, err := keyvault.NetworkByName(networkName)
	if err != nil {
		return services, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	services.Vault, err = keyvault.New(keyvault.Config{Key: secrets.EncryptionKey, Network: network})
	if err != nil {
		return services, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	minAmount, err := c.MinAmount.ToUint64()
	if err != nil {
		return services, fmt.Errorf("%w: min-amount: %w", ErrConfiguration, err)
	}
	maxAmount, err := c.MaxAmount.ToUint64()
	if err != nil {
		return services, fmt.Errorf("%w: max-amount: %w", ErrConfiguration, err)
	}
	if maxAmount > 0 && maxAmount < minAmount {
		return services, fmt.Errorf("%w: max-amount below min-amount", ErrConfiguration)
	}

	err = c.openStore(ctx, services)
	if err != nil {
		return services, err
	}

	retry := utils.DefaultRetryPolicy
	if c.Electrum.Retries > 0 {
		retry.MaxAttempts = c.Electrum.Retries
	}
	services.Client = rpc.New(rpc.Config{
		Address:     c.Electrum.Address,
		TLS:         c.Electrum.TLS,
		InsecureTLS: c.Electrum.InsecureTLS,
		Socks5:      c.Electrum.Socks5,
		Timeout:     c.Electrum.Timeout,
		PoolSize:    c.Electrum.PoolSize,
		Retry:       retry,
		Logger:      logger,
	})
	services.closers = append(services.closers, func() error {
		services.Client.Close()
		return nil
	})
	services.Chain = electrum.New(electrum.Config{Client: services.Client})

	services.Notifier = webhook.New(webhook.Config{
		URL:      c.Webhook.URL,
		Secret:   secrets.WebhookSecret,
		Username: c.Webhook.Username,
		Password: c.Webhook.Password,
		Timeout:  c.Webhook.Timeout,
		Logger:   logger,
	})
	if services.Notifier.Enabled() && len(secrets.WebhookSecret) == 0 {
		return services, fmt.Errorf("%w: %s required by webhook", ErrConfiguration, WebhookSecretEnv)
	}

	confirmations := c.Confirmations
	if confirmations == 0 {
		confirmations = sweeper.DefaultConfirmations
	}

	services.Gateway = gateway.New(gateway.Config{
		Store:         services.Store,
		Chain:         services.Chain,
		Vault:         services.Vault,
		Timeout:       c.Timeout,
		Confirmations: confirmations,
		MinAmount:     minAmount,
		MaxAmount:     maxAmount,
		Logger:        logger,
	})

	var notifier sweeper.Notifier
	if services.Notifier.Enabled() {
		notifier = services.Notifier
	}
	services.Sweeper, err = sweeper.New(sweeper.Config{
		Store:          services.Store,
		Chain:          services.Chain,
		Vault:          services.Vault,
		ColdAddress:    c.ColdAddress,
		Confirmations:  confirmations,
		Interval:       c.SweepInterval,
		SecondaryEvery: c.SecondarySweepEvery,
		Concurrency:    c.SweepConcurrency,
		Notifier:       notifier,
		Logger:         logger,
	})
	if err != nil {
		return services, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return services, nil
}

