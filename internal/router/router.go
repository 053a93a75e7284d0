package router

import (
	"github.com/go-playground/validator/v10"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	echoSwagger "github.com/swaggo/echo-swagger"
	"go.uber.org/zap"

	"neuroview/internal/auth"
	"neuroview/internal/config"
	"neuroview/internal/handler"
)

// Register wires routes and middleware.
func Register(
	e *echo.Echo,
	cfg *config.Config,
	logger *zap.Logger,
	jwtService *auth.JWTService,
	authHandler *handler.AuthHandler,
	mlHandler *handler.MLHandler,
	healthHandler *handler.HealthHandler,
) {
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	// Reject oversize uploads at the transport boundary, before any
	// downstream call sees the payload.
	e.Use(middleware.BodyLimit(cfg.MaxUploadSize))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{echo.GET, echo.POST, echo.OPTIONS},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			)
			return nil
		},
	}))

	// Add validator
	e.Validator = &CustomValidator{validator: validator.New()}

	e.GET("/swagger/*", echoSwagger.WrapHandler)

	api := e.Group("/api")

	// Public routes
	api.GET("/health", healthHandler.Health)
	api.GET("/health/detailed", healthHandler.Detailed)
	api.POST("/auth/register", authHandler.Register)
	api.POST("/auth/login", authHandler.Login)
	api.GET("/ml/health", mlHandler.Health)

	// Secured routes (require JWT authentication). ParseTokenFunc keeps
	// claims verification in one place: the same JWTService that issues
	// tokens, so c.Get("user") holds *auth.Claims directly.
	secured := api.Group("", echojwt.WithConfig(echojwt.Config{
		ParseTokenFunc: func(c echo.Context, token string) (interface{}, error) {
			return jwtService.ValidateToken(token)
		},
	}))

	secured.GET("/auth/verify", authHandler.Verify)

	ml := secured.Group("/ml")
	ml.POST("/predict/nifti", mlHandler.PredictNifti)
	ml.POST("/predict/zip", mlHandler.PredictZip)
	ml.POST("/classify-dicom", mlHandler.ClassifyDicom)
	ml.POST("/analyze", mlHandler.Analyze)
	ml.GET("/slice/:patientId/:volumeType/:sliceIndex", mlHandler.GetSlice)
	ml.GET("/volume/:patientId/meta", mlHandler.GetVolumeMeta)
	ml.GET("/orthoslices/:patientId", mlHandler.GetOrthogonalSlices)
	ml.GET("/analyses", mlHandler.ListAnalyses)
	ml.GET("/analyses/:id", mlHandler.GetAnalysis)
}

// CustomValidator wraps validator for Echo.
type CustomValidator struct {
	validator *validator.Validate
}

// Validate implements echo.Validator interface.
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}
