package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/coder89/ha-besmart/internal/api"
	"github.com/coder89/ha-besmart/internal/besmart"
	"github.com/coder89/ha-besmart/internal/bridge"
	"github.com/coder89/ha-besmart/internal/clock"
	"github.com/coder89/ha-besmart/internal/config"
	"github.com/coder89/ha-besmart/internal/ha"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	username := os.Getenv("BESMART_USERNAME")
	password := os.Getenv("BESMART_PASSWORD")
	haURL := os.Getenv("HA_URL")
	haToken := os.Getenv("HA_TOKEN")
	readOnly := os.Getenv("READ_ONLY") == "true"
	optionsFile := os.Getenv("OPTIONS_FILE")

	if username == "" || password == "" {
		logger.Fatal("BESMART_USERNAME and BESMART_PASSWORD environment variables must be set")
	}
	if haURL == "" || haToken == "" {
		logger.Fatal("HA_URL and HA_TOKEN environment variables must be set")
	}

	opts, err := config.Load(optionsFile, logger)
	if err != nil {
		logger.Fatal("Failed to load options", zap.Error(err))
	}

	logger.Info("Starting BeSMART bridge",
		zap.String("ha_url", haURL),
		zap.Duration("poll_interval", opts.PollInterval()),
		zap.Bool("read_only", readOnly))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Log in to the vendor cloud before touching Home Assistant so
	// credential problems fail fast and loud.
	vendor := besmart.NewClient(username, password, logger)
	loginBoxes, err := vendor.Login(ctx)
	if err != nil {
		switch {
		case errors.Is(err, besmart.ErrAuth):
			logger.Fatal("BeSMART rejected the credentials, check BESMART_USERNAME and BESMART_PASSWORD", zap.Error(err))
		case errors.Is(err, besmart.ErrUnavailable):
			logger.Fatal("BeSMART cloud is unreachable, try again later", zap.Error(err))
		default:
			logger.Fatal("BeSMART login failed", zap.Error(err))
		}
	}
	logger.Info("Logged in to BeSMART cloud")

	// Connect to Home Assistant
	haClient := ha.NewClient(haURL, haToken, logger)
	if err := haClient.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer haClient.Disconnect()
	logger.Info("Connected to Home Assistant")

	b := bridge.New(haClient, vendor, opts, clock.NewRealClock(), logger, readOnly)

	// Bridge everything on the account unless BESMART_BOX_IDS narrows it.
	boxIDs := loginBoxes
	if raw := os.Getenv("BESMART_BOX_IDS"); raw != "" {
		boxIDs = nil
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				boxIDs = append(boxIDs, id)
			}
		}
	}
	if err := b.Discover(ctx, boxIDs); err != nil {
		logger.Fatal("Device discovery failed", zap.Error(err))
	}
	logger.Info("Discovered devices",
		zap.Int("climates", len(b.Climates())),
		zap.Int("water_heaters", len(b.WaterHeaters())))

	if opts.StatusPort > 0 {
		statusServer := api.NewServer(b, logger, opts.StatusPort)
		statusServer.Start()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := statusServer.Stop(stopCtx); err != nil {
				logger.Error("Status server shutdown failed", zap.Error(err))
			}
		}()
	}

	if readOnly {
		logger.Info("Running in READ-ONLY mode - no commands will be forwarded to BeSMART")
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down gracefully...")
		cancel()
	}()

	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("Bridge stopped", zap.Error(err))
	}
}
