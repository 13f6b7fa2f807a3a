package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync-api/api"
	"boardsync-api/board"
	"boardsync-api/realtime"
	"boardsync-api/storage"
)

func envOrDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing storage config")
	}
	tables := storage.Tables{
		Projects: envOrDefault("PROJECTS_TABLE", "projects"),
		Members:  envOrDefault("MEMBERS_TABLE", "members"),
		Boards:   envOrDefault("BOARDS_TABLE", "boards"),
		Columns:  envOrDefault("COLUMNS_TABLE", "columns"),
		Cards:    envOrDefault("CARDS_TABLE", "cards"),
		Messages: envOrDefault("MESSAGES_TABLE", "messages"),
		Audit:    envOrDefault("AUDIT_QUEUE", "audit"),
	}
	store, err := storage.New(connStr, tables)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		parts := strings.Split(redisConn, ",")
		redisOpts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				redisOpts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					redisOpts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	rc := redis.NewClient(redisOpts)

	dedupTTL := api.DefaultDeduperTTL
	if v := os.Getenv("DEDUPER_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid DEDUPER_TTL: %v", err)
		}
		dedupTTL = d
	}
	deduper := api.NewRedisDeduper(rc, dedupTTL)

	snapshotTTL := 5 * time.Minute
	if v := os.Getenv("BOARD_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid BOARD_CACHE_TTL: %v", err)
		}
		snapshotTTL = d
	}
	cache := storage.NewCache(store, rc, snapshotTTL)

	var auth *api.Auth
	if secret := os.Getenv("AUTH_SHARED_SECRET"); secret != "" {
		auth = api.NewAuthHS256([]byte(secret), os.Getenv("AUTH_AUDIENCE"), os.Getenv("AUTH_ISSUER"))
	} else {
		audience := os.Getenv("AUTH_AUDIENCE")
		authDomain := os.Getenv("AUTH_DOMAIN")
		if audience == "" || authDomain == "" {
			log.Fatal("missing auth config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", authDomain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, audience, "https://"+authDomain+"/")
	}

	logger := log.New()

	registry := realtime.NewRegistry(logger)
	bus := realtime.NewBus(rc, envOrDefault("EVENTS_CHANNEL", "board-events"), registry, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	auditSender := board.NewAuditSender(store, logger, board.AuditSenderConfig{})
	defer auditSender.Close()

	svc := board.NewService(cache, deduper, bus, auditSender, logger)
	hub := api.NewHub(svc, auth, registry, logger)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(api.GzipRequestMiddleware())

	api.Register(e, svc, auth, hub, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}
