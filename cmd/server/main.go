package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/classpoints/backend/docs"
	"github.com/classpoints/backend/internal/config"
	"github.com/classpoints/backend/internal/database"
	"github.com/classpoints/backend/internal/handlers"
	mW "github.com/classpoints/backend/internal/middleware"
	"github.com/classpoints/backend/internal/services"
)

// @title ClassPoints Ledger API
// @version 1.0
// @description Currency ledger and atomic transaction engine for classroom point balances
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "ClassPoints Ledger API"
	docs.SwaggerInfo.Description = "Currency ledger and atomic transaction engine for classroom point balances"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	ledgerCfg := config.LoadLedgerConfig()

	ledgerService := services.NewLedgerService(db)
	balanceService := services.NewBalanceService(db, redisClient, ledgerService, ledgerCfg)
	rewardService := services.NewRewardService(db, balanceService)
	storeService := services.NewStoreService(db, balanceService)
	recoveryManager := services.NewRewardRecoveryManager(db, rewardService, ledgerCfg)

	rewardHandler := handlers.NewRewardHandler(rewardService)
	storeHandler := handlers.NewStoreHandler(storeService)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Background loops: reward recovery sweep and balance reconciliation
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go recoveryManager.Run(bgCtx)
	go ledgerService.RunReconciliation(bgCtx, ledgerCfg.ReconcileInterval)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// Static file server for store item images
	r.Handle("/static/item-images/*", http.StripPrefix("/static/item-images/",
		mW.StaticFileServer("./static/item-images")))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Reward intake (called by the quiz collaborator, at-least-once)
		r.Post("/rewards/quiz-completed", rewardHandler.QuizCompleted)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/students/{studentId}/balance", balanceService.GetBalance)
			r.Get("/students/{studentId}/transactions", balanceService.GetHistory)

			r.Post("/store/purchase", storeHandler.Purchase)
			r.Get("/inventory/{entryId}/qr", storeHandler.RedemptionQR)

			// Teacher/admin endpoints
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRole("teacher", "admin"))

				r.Post("/students/{studentId}/adjustments", balanceService.AdminAdjust)
				r.Post("/store/redeem", storeHandler.Redeem)
				r.Post("/admin/reconcile", balanceService.TriggerReconcile)
			})
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	bgCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
