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

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/zlnvch/pgprelay/api"
	"github.com/zlnvch/pgprelay/cache"
	"github.com/zlnvch/pgprelay/cache/memory"
	"github.com/zlnvch/pgprelay/cache/redis"
	"github.com/zlnvch/pgprelay/config"
	"github.com/zlnvch/pgprelay/mq"
	"github.com/zlnvch/pgprelay/mq/sqsmq"
	"github.com/zlnvch/pgprelay/pgp"
	"github.com/zlnvch/pgprelay/store"
	"github.com/zlnvch/pgprelay/store/boltdb"
	"github.com/zlnvch/pgprelay/store/dynamo"
)

const defaultKeyBits = 3072

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	rootCmd := &cobra.Command{
		Use:          "pgprelay",
		Short:        "End-to-end encrypted message relay with PGP identities",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(newServeCommand(), newKeygenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Example: `  # Configure from the environment alone
  pgprelay serve

  # Configure from a file; environment variables still win
  pgprelay serve -f relay.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configFile)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "f", "", "path to the relay configuration file (TOML format)")
	return cmd
}

func newKeygenCommand() *cobra.Command {
	var (
		username string
		out      string
		bits     int
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a key pair and write a password-protected key file",
		Example: `  PGPRELAY_PASSWORD=secret pgprelay keygen --user alice --out alice.key`,
		RunE: func(cmd *cobra.Command, args []string) error {
			password := os.Getenv("PGPRELAY_PASSWORD")
			if password == "" {
				return errors.New("PGPRELAY_PASSWORD is not set")
			}
			if out == "" {
				out = username + ".key"
			}

			keyFile, err := pgp.NewKeyFile(username, bits, []byte(password))
			if err != nil {
				return err
			}
			if err := keyFile.Save(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote key file for %s to %s\n", username, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", "", "username to bind the key to")
	cmd.Flags().StringVarP(&out, "out", "o", "", "key file path (default <user>.key)")
	cmd.Flags().IntVar(&bits, "bits", defaultKeyBits, "RSA key size")
	cmd.MarkFlagRequired("user")
	return cmd
}

func openStore(ctx context.Context, cfg *config.Config) (store.RelayStore, mq.MessageQueue, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendBolt:
		boltStore, err := boltdb.NewBoltRelayStore(cfg.Store.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open bolt store: %w", err)
		}
		// Clears delete bolt strokes in place, no purge queue needed
		return boltStore, nil, func() { boltStore.Close() }, nil

	default:
		dynamoStore, err := dynamo.NewDynamoRelayStore(ctx, cfg.Server.DevMode, cfg.Store.Endpoint, cfg.Store.Table)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create dynamodb store: %w", err)
		}
		purgeQueue, err := sqsmq.NewSQSMessageQueue(ctx, cfg.Server.DevMode, cfg.Queue.Endpoint, cfg.Queue.Name)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create SQS MQ: %w", err)
		}
		return dynamoStore, purgeQueue, func() {}, nil
	}
}

func openCache(ctx context.Context, cfg *config.Config) (cache.RelayCache, func(), error) {
	if cfg.Cache.InProcess() {
		log.Printf("No cache endpoint, using in-process cache")
		return memory.NewMemoryRelayCache(), func() {}, nil
	}
	redisCache, err := redis.NewRedisRelayCache(ctx, cfg.Server.DevMode, cfg.Cache.Endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create redis cache: %w", err)
	}
	return redisCache, func() { redisCache.Close() }, nil
}

func runServer(cfg *config.Config) error {
	ctx := context.Background()

	relayStore, purgeQueue, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	relayCache, closeCache, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	shutdownCtx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	relayAPI, err := api.NewRelayAPI(relayStore, purgeQueue, relayCache, cfg.Auth.Secret(), cfg.Relay.DeliveryFlushMilliseconds, shutdownCtx)
	if err != nil {
		return fmt.Errorf("failed to create relay api: %w", err)
	}

	r := mux.NewRouter()
	relayAPI.RegisterRoutes(r, cfg.Server.AllowedOrigin)

	server := &http.Server{Addr: cfg.Server.Address, Handler: r}
	go func() {
		<-shutdownCtx.Done()
		log.Printf("Server shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("Starting server on %s (store: %s)", cfg.Server.Address, cfg.Store.Backend)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	relayAPI.Wait()
	return nil
}
