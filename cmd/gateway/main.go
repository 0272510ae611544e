package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RogueTeam/ltcsweep/cmd/gateway/internal/router"
	"github.com/RogueTeam/ltcsweep/keyvault"
	"github.com/RogueTeam/ltcsweep/utils"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"
)

const shutdownTimeout = 10 * time.Second

func serve(ctx context.Context, c *cli.Command) (err error) {
	if c.Bool("debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	config, err := LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	secrets, err := LoadSecrets(c.String("env-file"))
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	services, err := config.Compile(ctx, secrets, logger)
	if err != nil {
		return err
	}
	defer services.Close()

	sweeping := make(chan error, 1)
	go func() {
		sweeping <- services.Sweeper.Run(ctx)
	}()

	e := gin.New()
	e.Use(gin.Recovery())
	if c.Bool("debug") {
		e.Use(gin.Logger())
	}
	r := router.Router{
		Gateway: services.Gateway,
		Base:    e,
		Logger:  logger,
	}
	r.Register()

	server := &http.Server{
		Addr:    config.ListenAddress,
		Handler: e,
	}
	serving := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", config.ListenAddress)
		serving <- server.ListenAndServe()
	}()

	select {
	case err = <-serving:
		stop()
		<-sweeping
		return fmt.Errorf("failed to serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", "electrum-open", services.Client.Open(), "electrum-idle", services.Client.Idle())
	shutdownCtx, cancel := utils.NewContextWithTimeout(shutdownTimeout)
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}
	err = <-sweeping
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

var app = cli.Command{
	Name:  "ltc-gateway",
	Usage: "Custodial litecoin payment gateway",
	Commands: []*cli.Command{
		{
			Name:  "serve",
			Usage: "Serve the HTTP API and sweep completed payments",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "config",
					Usage: "YAML configuration",
					Value: "config.yaml",
				},
				&cli.StringFlag{
					Name:  "env-file",
					Usage: "Optional dotenv file with " + EncryptionKeyEnv + " and " + WebhookSecretEnv,
					Value: ".env",
				},
				&cli.BoolFlag{
					Name:  "debug",
					Usage: "Set debug mode",
				},
			},
			Action: serve,
		},
		{
			Name:  "keygen",
			Usage: "Print a fresh " + EncryptionKeyEnv,
			Action: func(ctx context.Context, c *cli.Command) (err error) {
				key, err := keyvault.NewEncryptionKey()
				if err != nil {
					return err
				}
				fmt.Printf("%s=%x\n", EncryptionKeyEnv, key)
				return nil
			},
		},
		{
			Name:      "scripthash",
			Usage:     "Print the electrum script hash of an address",
			ArgsUsage: "ADDRESS",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "network",
					Usage: "litecoin, litecoin-testnet or litecoin-regtest",
					Value: keyvault.Litecoin.Name,
				},
			},
			Action: func(ctx context.Context, c *cli.Command) (err error) {
				if c.Args().Len() != 1 {
					return fmt.Errorf("expecting a single address")
				}
				network, err := keyvault.NetworkByName(c.String("network"))
				if err != nil {
					return err
				}
				key, err := keyvault.NewEncryptionKey()
				if err != nil {
					return err
				}
				vault, err := keyvault.New(keyvault.Config{Key: key, Network: network})
				if err != nil {
					return err
				}
				scriptHash, err := vault.ScriptHash(c.Args().First())
				if err != nil {
					return err
				}
				fmt.Println(scriptHash)
				return nil
			},
		},
	},
}

func main() {
	err := app.Run(context.Background(), os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
