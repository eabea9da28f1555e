package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"slices"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/krau/petclassifier/service"
)

const maxUploadSize = 10 << 20

// base64 grows the payload by 4/3, plus room for the JSON envelope
var maxBodySize int64 = maxUploadSize*4/3 + 4<<10

var (
	errUnauthorized = errors.New("unauthorized")
)

var allowedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/avif": true,
}

type PredictRequest struct {
	Image string `json:"image" binding:"required"`
	TopK  *int   `json:"top_k"`
}

// NewRouter builds the API. origins lists the browser origins allowed by
// CORS; "*" allows any and an empty list disables CORS.
func NewRouter(origins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID())
	if len(origins) > 0 {
		r.Use(cors.New(corsConfig(origins)))
	}
	r.GET("/", InfoHandler)
	r.GET("/health", HealthHandler)
	r.POST("/predict", PredictHandler)
	r.POST("/predict/file", PredictFileHandler)
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"Accept",
		"X-Requested-With",
		"X-Request-Id",
	}
	cfg.ExposeHeaders = []string{"X-Request-Id"}
	if slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

func authenticate(c *gin.Context) error {
	auth := c.GetHeader("Authorization")

	expectedToken := authToken
	if expectedToken == "" {
		return nil
	}
	providedToken := ""
	if len(auth) > 7 && auth[:7] == "Bearer " {
		providedToken = auth[7:]
	}
	if subtle.ConstantTimeCompare([]byte(providedToken), []byte(expectedToken)) != 1 {
		return errUnauthorized
	}

	return nil
}

func PredictHandler(c *gin.Context) {
	if err := authenticate(c); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
	var req PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be JSON with an image field"})
		return
	}
	k := topK
	if req.TopK != nil {
		k = *req.TopK
	}

	predict(c, func(ctx context.Context) (*service.Result, error) {
		return classifier.Classify(ctx, req.Image, k)
	})
}

func PredictFileHandler(c *gin.Context) {
	if err := authenticate(c); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file uploaded"})
		return
	}
	if mt, _, err := mime.ParseMediaType(fileHeader.Header.Get("Content-Type")); err != nil || !allowedTypes[mt] {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only JPEG, PNG, WEBP or AVIF images are supported"})
		return
	}
	if fileHeader.Size > maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot open uploaded file"})
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(io.LimitReader(file, maxUploadSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read uploaded file"})
		return
	}
	if len(raw) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty file"})
		return
	}

	predict(c, func(ctx context.Context) (*service.Result, error) {
		return classifier.ClassifyBytes(ctx, raw, topK)
	})
}

func predict(c *gin.Context, classify func(context.Context) (*service.Result, error)) {
	if classifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "classifier not initialized"})
		return
	}
	resp, err := classify(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func fail(c *gin.Context, err error) {
	status, msg := http.StatusInternalServerError, "prediction failed"
	switch {
	case errors.Is(err, service.ErrDecode):
		status, msg = http.StatusBadRequest, "cannot decode image"
	case errors.Is(err, service.ErrModelLoad):
		status, msg = http.StatusServiceUnavailable, "model unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		status, msg = http.StatusGatewayTimeout, "prediction timed out"
	case errors.Is(err, context.Canceled):
		status, msg = 499, "request cancelled"
	}
	slog.Error("Prediction failed",
		slog.String("request_id", c.GetString("request_id")),
		slog.Int("status", status),
		slog.String("error", err.Error()))
	c.JSON(status, gin.H{"error": msg})
}

func HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func InfoHandler(c *gin.Context) {
	if classifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"model_state": classifier.State().String(),
		"input_shape": service.InputShape(classifier.ImageSize()),
		"num_labels":  len(classifier.Labels()),
	})
}
