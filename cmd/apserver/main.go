package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/meanengineer/apserver/ap"
	"github.com/meanengineer/apserver/cache"
	"github.com/meanengineer/apserver/inbox"
	"github.com/meanengineer/apserver/jsonld"
	"github.com/meanengineer/apserver/outbox"
	"github.com/meanengineer/apserver/profile"
	"github.com/meanengineer/apserver/sigverify"
	"github.com/meanengineer/apserver/store"
	"github.com/meanengineer/apserver/types"
)

var version = "unknown"

func main() {
	e := echo.New()

	configPaths := []string{}
	if configPath := os.Getenv("APSERVER_CONFIG"); configPath != "" {
		configPaths = append(configPaths, configPath)
	}
	if additional := os.Getenv("APSERVER_CONFIGS"); additional != "" {
		configPaths = append(configPaths, strings.Split(additional, ":")...)
	}
	if len(configPaths) == 0 {
		configPaths = append(configPaths, "/etc/apserver/config.yaml")
	}

	config, err := loadConfig(configPaths)
	if err != nil {
		slog.Error("Failed to load config", slog.String("error", err.Error()))
		panic(err)
	}

	slog.Info(fmt.Sprintf("apserver %s starting on %s...", version, config.ApConfig.FQDN))

	config.NodeInfo.Version = "2.0"
	config.NodeInfo.Software.Name = "apserver"
	config.NodeInfo.Software.Version = version
	config.NodeInfo.Protocols = []string{"activitypub"}

	e.HidePort = true
	e.HideBanner = true

	if config.Server.EnableTrace {
		cleanup, err := setupTraceProvider(config.Server.TraceEndpoint, config.ApConfig.FQDN, version)
		if err != nil {
			panic(err)
		}
		defer cleanup()

		skipper := otelecho.WithSkipper(
			func(c echo.Context) bool {
				return c.Path() == "/metrics" || c.Path() == "/health"
			},
		)
		e.Use(otelecho.Middleware(config.ApConfig.FQDN, skipper))
	}

	e.Use(echoprometheus.NewMiddleware("apserver"))
	e.Use(middleware.Recover())

	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             300 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	db, err := gorm.Open(postgres.Open(config.Server.Dsn), &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		panic("failed to connect database")
	}
	sqlDB, err := db.DB() // for pinging
	if err != nil {
		panic("failed to connect database")
	}
	defer sqlDB.Close()

	err = db.Use(tracing.NewPlugin(
		tracing.WithDBName("postgres"),
	))
	if err != nil {
		panic("failed to setup tracing plugin")
	}

	// Migrate the schema
	log.Println("start migrate")
	db.AutoMigrate(
		&types.User{},
		&types.AuthToken{},
		&types.Follower{},
		&types.InboxObject{},
		&types.OutboxJob{},
	)

	mc := memcache.New(config.Server.MemcachedAddr)
	defer mc.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr: config.Server.RedisAddr,
		DB:   config.Server.RedisDB,
	})
	err = redisotel.InstrumentTracing(
		rdb,
		redisotel.WithAttributes(
			attribute.KeyValue{
				Key:   "db.name",
				Value: attribute.StringValue("redis"),
			},
		),
	)
	if err != nil {
		panic("failed to setup tracing plugin")
	}

	userAgent := "apserver/" + version

	profileCache := cache.NewMemcached(mc, 30*time.Minute)
	keyCache := cache.NewRedis(rdb, "apserver:key:", 6*time.Hour)
	inboxCache := cache.NewMemory(4096, 10*time.Minute)

	compactor, err := jsonld.NewCompactor()
	if err != nil {
		panic(err)
	}

	storeService := store.NewStore(db)
	fetcher := profile.NewFetcher(profileCache, compactor, userAgent, profile.FetcherOptions{})
	verifier := sigverify.NewVerifier(fetcher, keyCache)

	outboxService := outbox.NewOutbox(storeService, fetcher, inboxCache, config.ApConfig, userAgent, outbox.Options{})
	inboxService := inbox.NewService(storeService, outboxService, config.ApConfig)

	apService := ap.NewService(storeService, inboxService, outboxService, config.NodeInfo, config.ApConfig)
	apHandler := ap.NewHandler(apService, verifier, compactor)

	if err := outboxService.Start(context.Background()); err != nil {
		slog.Error("Failed to resume outbox jobs", slog.String("error", err.Error()))
		panic(err)
	}

	e.GET("/.well-known/host-meta", apHandler.HostMeta)
	e.GET("/.well-known/webfinger", apHandler.WebFinger)
	e.GET("/.well-known/nodeinfo", apHandler.NodeInfoWellKnown)
	e.GET("/nodeinfo/2.0", apHandler.NodeInfo)

	users := e.Group("/users")
	users.GET("/:user", apHandler.User)
	users.POST("/:user/inbox", apHandler.Inbox)
	users.GET("/:user/inbox", apHandler.InboxView, apHandler.BearerAuth)
	users.GET("/:user/outbox", apHandler.Outbox)
	users.POST("/:user/outbox", apHandler.PostOutbox, apHandler.BearerAuth)
	users.GET("/:user/followers", apHandler.Followers)
	users.GET("/:user/following", apHandler.Following)
	users.GET("/:user/statuses/:id", apHandler.Object)

	e.GET("/api/v1/instance", apHandler.Instance)

	e.GET("/health", func(c echo.Context) (err error) {
		ctx := c.Request().Context()

		err = sqlDB.Ping()
		if err != nil {
			return c.String(http.StatusInternalServerError, "db error")
		}

		err = rdb.Ping(ctx).Err()
		if err != nil {
			return c.String(http.StatusInternalServerError, "redis error")
		}

		return c.String(http.StatusOK, "ok")
	})

	e.GET("/metrics", echoprometheus.NewHandler())

	port := ":8000"
	if envport := os.Getenv("APSERVER_PORT"); envport != "" {
		port = ":" + envport
	}

	e.Logger.Fatal(e.Start(port))
}
