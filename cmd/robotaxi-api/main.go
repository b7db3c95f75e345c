// README: Entry point; loads config, wires gateway, feed and coordinator, serves the API until signalled.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"robotaxi/internal/config"
	httptransport "robotaxi/internal/http"
	"robotaxi/internal/infra"
	"robotaxi/internal/log"
	"robotaxi/internal/modules/coordinator"
	"robotaxi/internal/modules/feed"
	"robotaxi/internal/modules/gateway"
	"robotaxi/internal/modules/order"
)

func main() {
	if err := run(); err != nil {
		log.Base().Fatal().Err(err).Msg("robotaxi-api exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log.Configure(log.Config{Level: cfg.Log.Level, Service: "robotaxi-api"})
	logger := log.WithComponent("main")
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	verifier, err := infra.NewFirebaseVerifier(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		return fmt.Errorf("firebase init: %w", err)
	}
	if verifier == nil {
		logger.Warn().Msg("ROBOTAXI_FIREBASE_PROJECT_ID not set, API auth disabled")
	}

	gw, closeGW, err := newGateway(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeGW()

	f, closeFeed, err := newFeed(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFeed()

	coord, err := coordinator.New(coordinator.Options{
		Gateway:       gw,
		Feed:          f,
		MatchTimeout:  cfg.Matching.Timeout,
		RiderEnabled:  cfg.Rider.Enabled,
		DriverEnabled: cfg.Driver.Enabled,
		RiderTrip: order.TripWaypoints{
			From:  cfg.Rider.From,
			To:    cfg.Rider.To,
			MapID: cfg.Rider.MapID,
		},
		DriverVehicle: order.VehicleRef(cfg.Driver.Vehicle),
		DriverMapID:   cfg.Driver.MapID,
	})
	if err != nil {
		return err
	}
	defer coord.Close()

	// an order left in service by a previous run is resumed, but the API
	// still comes up if the backend cannot be reached yet
	if err := coord.Start(ctx); err != nil {
		logger.Warn().Err(err).Msg("order recovery failed")
	}

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Coordinator: coord,
		Verifier:    verifier,
		Enabled:     coord.Enabled,
	})
	return httptransport.NewServer(cfg.HTTP.Addr, router).Run(ctx)
}

func newGateway(ctx context.Context, cfg config.Config) (gateway.Gateway, func(), error) {
	switch cfg.Gateway.Mode {
	case config.GatewayPostgres:
		db, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return nil, nil, err
		}
		store := gateway.NewPGStore(db, cfg.Rider.ID, cfg.Driver.ID)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate orders: %w", err)
		}
		return store, db.Close, nil
	default:
		client := gateway.NewHTTPClient(gateway.HTTPOptions{
			BaseURL:  cfg.Gateway.BaseURL,
			Timeout:  cfg.Gateway.Timeout,
			RiderID:  cfg.Rider.ID,
			DriverID: cfg.Driver.ID,
		})
		return client, func() {}, nil
	}
}

func newFeed(ctx context.Context, cfg config.Config) (feed.Feed, func(), error) {
	switch cfg.Feed.Transport {
	case config.FeedWebSocket:
		// streams are addressed by role and order id; no caller identity needed
		return feed.NewWSFeed(cfg.Feed.WS.URL(), nil), func() {}, nil
	default:
		rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			return nil, nil, err
		}
		return feed.NewRedisFeed(rdb), func() { _ = rdb.Close() }, nil
	}
}
