package main

import (
	"log"
	"net/http"
	"os"

	_ "neuroview/docs" // swagger docs

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"neuroview/internal/auth"
	"neuroview/internal/cache"
	"neuroview/internal/config"
	"neuroview/internal/db"
	"neuroview/internal/handler"
	"neuroview/internal/ml"
	"neuroview/internal/model"
	"neuroview/internal/repository"
	"neuroview/internal/router"
	"neuroview/internal/service"
)

// @title NeuroView API
// @version 1.0
// @description Medical imaging upload and analysis API with JWT authentication.
// @host localhost:8080
// @BasePath /api
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.
func main() {
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer logger.Sync()

	gormDB, err := db.NewMySQL(cfg.MySQLDSN)
	if err != nil {
		logger.Fatal("database init", zap.Error(err))
	}

	// Drop tables if RESET_DB environment variable is set
	if os.Getenv("RESET_DB") == "true" {
		logger.Warn("RESET_DB=true detected, dropping all tables")
		tables := []interface{}{
			&model.Analysis{},
			&model.User{},
		}
		for _, table := range tables {
			if err := gormDB.Migrator().DropTable(table); err != nil {
				logger.Warn("failed to drop table (may not exist)", zap.Error(err))
			}
		}
	}

	// Run migrations for all models
	if err := gormDB.AutoMigrate(
		&model.User{},
		&model.Analysis{},
	); err != nil {
		logger.Fatal("auto-migrate", zap.Error(err))
	}

	cacheClient := cache.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)

	// Initialize repositories
	userRepo := repository.NewUserRepository(gormDB)
	analysisRepo := repository.NewAnalysisRepository(gormDB)

	// Initialize gateway and services
	jwtService := auth.NewJWTService(cfg.JWTSecret)
	gateway := ml.NewClient(ml.Config{
		BaseURL:     cfg.MLServiceURL,
		AnalyzeURL:  cfg.MLAnalyzeURL,
		ClassifyURL: cfg.MLClassifyURL,
		Timeout:     cfg.MLTimeout,
	}, logger)
	authService := service.NewAuthService(userRepo, jwtService)
	analysisService := service.NewAnalysisService(analysisRepo)

	// Initialize handlers
	authHandler := handler.NewAuthHandler(authService)
	mlHandler := handler.NewMLHandler(gateway, analysisService, cacheClient, logger)
	healthHandler := handler.NewHealthHandler()

	e := echo.New()
	e.HideBanner = true

	router.Register(e, cfg, logger, jwtService, authHandler, mlHandler, healthHandler)

	addr := ":" + cfg.ServerPort
	logger.Info("starting server", zap.String("addr", addr), zap.String("ml_service", cfg.MLServiceURL))
	if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server start", zap.Error(err))
	}
}
