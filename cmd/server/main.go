package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"botdeck/internal/addons"
	"botdeck/internal/auth"
	"botdeck/internal/config"
	"botdeck/internal/dashboard"
	"botdeck/internal/db"
	"botdeck/internal/discord"
	"botdeck/internal/events"
	"botdeck/internal/handlers"
	"botdeck/internal/middleware"
	"botdeck/internal/notify"
)

func main() {
	cfg := config.Load()

	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		log.Fatal("❌ DISCORD_CLIENT_ID and DISCORD_CLIENT_SECRET are required")
	}
	if cfg.BotToken == "" {
		log.Fatal("❌ DISCORD_BOT_TOKEN is required")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("❌ Create data directory: %v", err)
	}
	if err := os.MkdirAll(cfg.AddonsDir, 0o755); err != nil {
		log.Fatalf("❌ Create addons directory: %v", err)
	}

	conn, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ Open database: %v", err)
	}
	defer conn.Close()
	log.Printf("✅ Database connected (%s)", cfg.DBPath)

	bus := events.NewBus()

	dispatcher := notify.NewDispatcher(conn, bus, nil)
	dispatcher.Start()
	defer dispatcher.Stop()

	bot, err := discord.NewClient(cfg.BotToken)
	if err != nil {
		log.Fatalf("❌ Connect to Discord: %v", err)
	}
	defer bot.Close()
	log.Println("✅ Discord gateway connected")

	// Add-on subsystem
	registry := addons.NewRegistry()
	bridge := dashboard.NewBridge(cfg.AddonsDir)
	configStore := addons.NewSQLConfigStore(conn)
	manager := addons.NewManager(cfg.AddonsDir, registry, bridge, configStore, bus)
	manager.LoadAll()

	hub := addons.NewHub(bus)

	// Sessions and OAuth
	sessions := auth.NewStore(conn)
	cleanupStop := make(chan struct{})
	sessions.StartCleanup(time.Hour, cleanupStop)
	defer close(cleanupStop)

	oauthClient := auth.NewOAuthClient(cfg)
	verifier := &auth.Verifier{Exchanger: oauthClient, Source: bot}
	authHandlers := &auth.Handlers{Store: sessions, OAuth: oauthClient, Verifier: verifier, Bus: bus}

	// Rate limiting: strict per-IP for the auth flow, loose keyed
	// session-or-IP for the rest of the API.
	authLimiter := middleware.NewRateLimiter(10, time.Minute)
	authLimiter.OnLimit = func(key string, r *http.Request) {
		bus.Publish(events.Event{
			Type:     events.AuthLockout,
			Severity: events.SeverityWarning,
			Message:  "Repeated auth attempts throttled for " + key,
		})
	}
	apiLimiter := middleware.NewRateLimiter(300, time.Minute).
		Bypass("/health", "/api/version")

	// bound caps how long any one request may run. The WebSocket route
	// must stay outside it because a timeout handler cannot hijack.
	bound := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.Timeout(30*time.Second, h).ServeHTTP
	}

	// withSession: rate limit → session → CSRF. operator additionally
	// requires one of the configured operator roles. dispatch resolves
	// the session when present but never rejects anonymous requests —
	// add-on routes carry their own role requirements.
	withSession := func(h http.HandlerFunc) http.HandlerFunc {
		return apiLimiter.LimitWithKey(
			auth.Middleware(sessions, verifier, auth.CSRF(sessions, h)),
			middleware.SessionOrIP)
	}
	protect := func(h http.HandlerFunc) http.HandlerFunc {
		return bound(withSession(h))
	}
	operatorStream := func(h http.HandlerFunc) http.HandlerFunc {
		return withSession(auth.RequireRoles(cfg.OperatorRoles, h))
	}
	operator := func(h http.HandlerFunc) http.HandlerFunc {
		return bound(operatorStream(h))
	}
	dispatch := func(h http.HandlerFunc) http.HandlerFunc {
		return bound(apiLimiter.LimitWithKey(
			auth.OptionalSession(sessions, verifier, h),
			middleware.SessionOrIP))
	}

	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("GET /health", handlers.Health)
	mux.HandleFunc("GET /api/version", handlers.GetVersion)

	// Auth flow. Login and callback talk to the identity provider, so
	// they get the strict limiter on top of the request timeout.
	mux.HandleFunc("GET /api/auth/login", authLimiter.Limit(bound(authHandlers.Login)))
	mux.HandleFunc("GET /api/auth/callback", authLimiter.Limit(bound(authHandlers.Callback)))
	mux.HandleFunc("POST /api/auth/logout", authLimiter.Limit(authHandlers.Logout))
	mux.HandleFunc("GET /api/auth/me", protect(authHandlers.Me))

	// Add-on + dashboard API
	api := &handlers.API{Manager: manager, Bridge: bridge, Hub: hub, DataDir: cfg.DataDir}
	api.RegisterAddonRoutes(mux, handlers.RouteGuards{
		Protect:  protect,
		Operator: operator,
		Stream:   operatorStream,
		Dispatch: dispatch,
	})

	// Notification services
	notifyAPI := &handlers.NotifyAPI{DB: conn, Sender: notify.ShoutrrrSender{}}
	notifyAPI.RegisterNotificationRoutes(mux, operator)

	// Dashboard SPA
	mux.HandleFunc("/", handlers.StaticFiles("./web"))

	handler := middleware.Logging(middleware.OriginCheck(cfg.AllowedOrigins, mux))

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("✅ botdeck server listening on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("🚫 Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Shutdown: %v", err)
	}
}
