package di

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Kicko7/Klyno-sub001/internal/persistence"
	"github.com/Kicko7/Klyno-sub001/internal/presence"
	"github.com/Kicko7/Klyno-sub001/internal/session"
	"github.com/Kicko7/Klyno-sub001/internal/syncworker"
	"github.com/Kicko7/Klyno-sub001/internal/ws"
	"github.com/Kicko7/Klyno-sub001/pkg/cache"
	"github.com/Kicko7/Klyno-sub001/pkg/config"
	"github.com/Kicko7/Klyno-sub001/pkg/health"
	"github.com/Kicko7/Klyno-sub001/pkg/jwt"
	"github.com/Kicko7/Klyno-sub001/pkg/logger"
	"github.com/Kicko7/Klyno-sub001/pkg/secrets"

	"gorm.io/gorm"
)

// Container holds all the dependencies for the application
type Container struct {
	DB         *gorm.DB
	Cache      cache.Store
	Config     *config.Config
	Logger     *logger.Logger
	JWTService *jwt.Service

	Sessions *session.Store
	Repo     persistence.MessageRepository
	Bridge   *persistence.Bridge
	Tracker  *presence.Tracker

	Hub      *ws.Hub
	WSRouter *ws.Router
	Gateway  *ws.Gateway

	Worker *syncworker.Worker
	Health *health.Checker
}

// New wires the full dependency graph: cache-tier session store,
// durable bridge, presence tracker, websocket hub/router/gateway, and
// the background sync worker.
func New(db *gorm.DB, store cache.Store, cfg *config.Config, log *logger.Logger) (*Container, error) {
	secretsManager, err := secrets.NewManager(log)
	if err != nil {
		return nil, fmt.Errorf("failed to create secrets manager: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	jwtSecret := secretsManager.GetSecretWithDefault(ctx, "JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is not configured")
	}
	expiryHours, err := strconv.Atoi(secretsManager.GetSecretWithDefault(ctx, "JWT_EXPIRY_HOURS", "24"))
	if err != nil || expiryHours <= 0 {
		expiryHours = 24
	}
	jwtService := jwt.NewService(jwtSecret, time.Duration(expiryHours)*time.Hour)

	sessions := session.New(store, cfg, log)
	repo := persistence.NewGormMessageRepository(db)
	bridge := persistence.NewBridge(sessions, repo, cfg, log)
	tracker := presence.NewTracker(store, cfg, log)

	hub := ws.NewHub(log)
	wsRouter := ws.NewRouter(hub, sessions, bridge, tracker, cfg, log)
	gateway := ws.NewGateway(hub, wsRouter, jwtService, cfg, log)

	worker := syncworker.New(sessions, bridge, cfg, log)

	checker := health.NewChecker(log, 30*time.Second)
	checker.RegisterDatabaseCheck(func() error {
		return config.TestConnection(db)
	})
	checker.RegisterCacheCheck(store)

	return &Container{
		DB:         db,
		Cache:      store,
		Config:     cfg,
		Logger:     log,
		JWTService: jwtService,
		Sessions:   sessions,
		Repo:       repo,
		Bridge:     bridge,
		Tracker:    tracker,
		Hub:        hub,
		WSRouter:   wsRouter,
		Gateway:    gateway,
		Worker:     worker,
		Health:     checker,
	}, nil
}

// Shutdown drains the system: stop the sweep loop, flush every active
// session's unsynced tail to durable storage, then release connections.
func (c *Container) Shutdown(ctx context.Context) error {
	c.Worker.Stop()

	rooms, err := c.Sessions.ActiveRooms(ctx)
	if err != nil {
		c.Logger.LogError(err, "shutdown could not enumerate active rooms")
	}
	for _, roomID := range rooms {
		if err := c.Bridge.Flush(ctx, roomID); err != nil {
			c.Logger.LogError(err, "shutdown flush failed", "room_id", roomID)
		}
	}

	if err := c.Cache.Close(); err != nil {
		c.Logger.Warn("cache close failed", "error", err.Error())
	}

	sqlDB, err := c.DB.DB()
	if err == nil {
		if err := sqlDB.Close(); err != nil {
			c.Logger.Warn("database close failed", "error", err.Error())
		}
	}

	return nil
}
