package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/example/skin-check/internal/accounts"
	"github.com/example/skin-check/internal/usecase"
)

// MaxUploadSize is the default limit for the predict upload.
const MaxUploadSize = 10 << 20

// DiagnosticService is the diagnosis use case as seen by HTTP.
type DiagnosticService interface {
	Predict(ctx context.Context, user *accounts.User, raw []byte) (*usecase.Prediction, error)
	List(ctx context.Context, user *accounts.User) ([]usecase.DiagnosticSummary, error)
	Get(ctx context.Context, user *accounts.User, id string) (*usecase.DiagnosticDetail, error)
	Summary(ctx context.Context, user *accounts.User) (*usecase.Summary, error)
	ModelAvailable() bool
}

// AccountService is the accounts use case as seen by HTTP.
type AccountService interface {
	Register(ctx context.Context, req accounts.RegisterRequest) (*accounts.Session, error)
	Login(ctx context.Context, email, password string) (*accounts.Session, error)
	Profile(ctx context.Context, id string) (*accounts.User, error)
}

// Options tunes RegisterRoutes. Zero values select defaults.
type Options struct {
	MaxUploadBytes int64
	// PredictLimiter throttles the predict route; nil disables throttling.
	PredictLimiter *rate.Limiter
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, diagnostics DiagnosticService, users AccountService, authMiddleware gin.HandlerFunc, opts Options) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = MaxUploadSize
	}
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(accounts.JSONFieldName)
	}

	router.HandleMethodNotAllowed = true
	router.NoMethod(func(c *gin.Context) {
		respondError(c, usecase.ErrMethodNotAllowed)
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "model_loaded": diagnostics.ModelAvailable()})
	})
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	api := router.Group("/api")
	registerAccountRoutes(api, users, authMiddleware)

	protected := api.Group("", authMiddleware, CurrentUser(users))
	protected.POST("/predict/", RateLimit(opts.PredictLimiter), predictHandler(diagnostics, opts.MaxUploadBytes))
	protected.GET("/diagnostics/", func(c *gin.Context) {
		rows, err := diagnostics.List(c.Request.Context(), currentUser(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, rows)
	})
	protected.GET("/diagnostics/summary/", func(c *gin.Context) {
		summary, err := diagnostics.Summary(c.Request.Context(), currentUser(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})
	protected.GET("/diagnostics/:id/", func(c *gin.Context) {
		detail, err := diagnostics.Get(c.Request.Context(), currentUser(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, detail)
	})
}

func predictHandler(diagnostics DiagnosticService, maxUpload int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		// an unloaded model fails every request, whatever was uploaded
		if !diagnostics.ModelAvailable() {
			respondError(c, usecase.ErrModelUnavailable)
			return
		}

		if c.Request.ContentLength > maxUpload {
			respondError(c, usecase.ErrFileTooLarge)
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUpload)

		file, err := c.FormFile("image")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondError(c, usecase.ErrFileTooLarge)
				return
			}
			respondError(c, usecase.ErrMissingFile)
			return
		}

		src, err := file.Open()
		if err != nil {
			respondError(c, usecase.ErrMissingFile)
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			respondError(c, err)
			return
		}

		prediction, err := diagnostics.Predict(c.Request.Context(), currentUser(c), data)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"id":               prediction.ID,
			"probabilities":    prediction.Probabilities,
			"predicted_index":  prediction.PredictedIndex,
			"predicted_class":  prediction.FriendlyLabel,
			"simplified_class": prediction.SimplifiedLabel,
			"raw_class":        prediction.RawLabel,
			"confidence":       prediction.ConfidencePercent,
			"confidence_level": prediction.RiskDisplay,
			"risk_tier":        prediction.Tier,
			"confidence_range": prediction.ConfidenceRange,
		})
	}
}
