package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard-api/api"
	"taskboard-api/notify"
	"taskboard-api/storage"
	"taskboard-api/subscription"
)

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Fatalf("invalid %s: %q", name, v)
	}
	return n
}

func envDuration(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Fatalf("invalid %s: %q", name, v)
	}
	return d
}

func redisOptions(connStr string) *redis.Options {
	opts, err := redis.ParseURL(connStr)
	if err == nil {
		return opts
	}
	// Azure-style comma-separated connection strings.
	parts := strings.Split(connStr, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tables := storage.Tables{
		Tasks:         os.Getenv("TASKS_TABLE"),
		Comments:      os.Getenv("COMMENTS_TABLE"),
		Notifications: os.Getenv("NOTIFICATIONS_TABLE"),
		Profiles:      os.Getenv("PROFILES_TABLE"),
	}
	dispatchQueue := os.Getenv("DISPATCH_QUEUE")
	if connStr == "" || tables.Tasks == "" || tables.Comments == "" ||
		tables.Notifications == "" || tables.Profiles == "" || dispatchQueue == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, tables, dispatchQueue)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	rc := redis.NewClient(redisOptions(redisConn))

	logger := log.New()

	cache := storage.NewCache(store, rc, envDuration("NOTIFICATION_CACHE_TTL", 5*time.Minute))
	deduper := notify.NewRedisDeduper(rc, envDuration("DEDUPE_TTL", 24*time.Hour))

	sender := notify.NewSender(notify.SenderConfig{
		Workers: envInt("SENDER_WORKERS", 0),
		Buffer:  envInt("SENDER_BUFFER", 0),
	}, store, logger)
	defer sender.Close()
	dispatcher := notify.NewDispatcher(sender, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumer := notify.NewConsumer(store, cache, deduper, notify.NewRedisPublisher(rc), logger,
		envDuration("DISPATCH_POLL_WAIT", time.Second))
	go consumer.Run(ctx)

	var auth *api.Auth
	if os.Getenv("AUTH0_TEST_MODE") == "1" {
		auth = api.NewAuth(nil, "", "")
	} else {
		jwtAudience := os.Getenv("AUTH0_AUDIENCE")
		domain := os.Getenv("AUTH0_DOMAIN")
		if jwtAudience == "" || domain == "" {
			log.Fatal("missing Auth0 config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, jwtAudience, "https://"+domain+"/")
	}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	streamLimit := envInt("STREAM_FETCH_LIMIT", 20)
	streams := func() api.NotificationStream {
		return subscription.NewManager(rc, cache, store, logger, streamLimit)
	}
	api.Register(e, cache, auth, dispatcher, streams, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}
