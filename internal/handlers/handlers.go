package handlers

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/template-detector/internal/jobs"
	"github.com/example/template-detector/internal/scanner"
	"github.com/example/template-detector/internal/session"
)

// MaxUploadSize is used when Options.MaxUploadBytes is not set.
const MaxUploadSize = 512 << 20

// multipartMemory is how much of a form is held in memory before spilling to disk.
const multipartMemory = 32 << 20

//go:embed templates/index.html
var templatesFS embed.FS

// JobService is the subset of jobs.Service used by the handlers.
type JobService interface {
	Submit(ctx context.Context, req jobs.Request) (string, error)
	Cancel(sessionID string) (string, error)
	Status(ctx context.Context, sessionID, jobID string) (*jobs.Record, error)
}

// WebsocketServer upgrades a request into a push channel for a session.
type WebsocketServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, sessionID string) error
}

// Options configures the upload endpoint.
type Options struct {
	UploadDir        string
	MaxUploadBytes   int64
	DefaultThreshold float64
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc JobService, ws WebsocketServer, sessions gin.HandlerFunc, opts Options, logger *zap.Logger) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = MaxUploadSize
	}
	if opts.UploadDir == "" {
		opts.UploadDir = "uploads"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	router.SetHTMLTemplate(template.Must(template.ParseFS(templatesFS, "templates/index.html")))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	app := router.Group("/", sessions)

	app.GET("/", func(c *gin.Context) {
		c.HTML(http.StatusOK, "index.html", gin.H{"DefaultThreshold": opts.DefaultThreshold})
	})

	app.POST("/upload", func(c *gin.Context) {
		sessionID, ok := session.GetSessionID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "session required"})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxUploadBytes)
		if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
			if isTooLarge(err) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload exceeds the size limit"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
			return
		}

		threshold, err := parseThreshold(c.PostForm("threshold"), opts.DefaultThreshold)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		videoFile, err := c.FormFile("video")
		if err != nil || videoFile.Filename == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "video file is required"})
			return
		}
		templateFile, err := c.FormFile("template")
		if err != nil || templateFile.Filename == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "template file is required"})
			return
		}

		src, err := templateFile.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open template"})
			return
		}
		templateData, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read template"})
			return
		}

		if err := os.MkdirAll(opts.UploadDir, 0o750); err != nil {
			logger.Error("failed to create upload directory", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store video"})
			return
		}
		videoPath := filepath.Join(opts.UploadDir, uuid.NewString()+"_"+sanitizeFilename(videoFile.Filename))
		if err := c.SaveUploadedFile(videoFile, videoPath); err != nil {
			logger.Error("failed to save uploaded video", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store video"})
			return
		}

		jobID, err := svc.Submit(c.Request.Context(), jobs.Request{
			SessionID: sessionID,
			VideoPath: videoPath,
			Template:  templateData,
			Threshold: threshold,
		})
		if err != nil {
			// the job never started, so nothing else will remove the file
			if rmErr := os.Remove(videoPath); rmErr != nil {
				logger.Warn("failed to remove rejected upload", zap.String("path", videoPath), zap.Error(rmErr))
			}
			switch {
			case errors.Is(err, jobs.ErrJobInFlight):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			case errors.Is(err, scanner.ErrInvalidInput):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			case errors.Is(err, jobs.ErrShuttingDown):
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			default:
				logger.Error("failed to submit job", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start job"})
			}
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
	})

	app.POST("/cancel", func(c *gin.Context) {
		sessionID, ok := session.GetSessionID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "session required"})
			return
		}
		jobID, err := svc.Cancel(sessionID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no job in progress"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"job_id": jobID})
	})

	app.GET("/jobs/:id", func(c *gin.Context) {
		sessionID, ok := session.GetSessionID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "session required"})
			return
		}

		rec, err := svc.Status(c.Request.Context(), sessionID, c.Param("id"))
		if err != nil {
			if errors.Is(err, jobs.ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
				return
			}
			logger.Error("failed to load job status", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
			return
		}

		body := gin.H{
			"job_id":          rec.JobID,
			"status":          rec.Status,
			"threshold":       rec.Threshold,
			"frames_examined": rec.FramesExamined,
			"created_at":      rec.CreatedAt,
			"updated_at":      rec.UpdatedAt,
		}
		if rec.Frame != nil {
			body["frame"] = *rec.Frame
		}
		if rec.TotalFrames > 0 {
			body["total_frames"] = rec.TotalFrames
		}
		if rec.ProcessingTime > 0 {
			body["processing_time"] = rec.ProcessingTime
		}
		if rec.Message != "" {
			body["message"] = rec.Message
		}
		c.JSON(http.StatusOK, body)
	})

	app.GET("/ws", func(c *gin.Context) {
		sessionID, ok := session.GetSessionID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "session required"})
			return
		}
		if err := ws.ServeWS(c.Writer, c.Request, sessionID); err != nil {
			logger.Debug("websocket upgrade failed", zap.Error(err))
		}
	})
}

func isTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return true
	}
	// some multipart paths flatten the reader error into a string
	return strings.Contains(err.Error(), "request body too large")
}

func parseThreshold(raw string, fallback float64) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, scanner.InvalidInput("threshold must be a number")
	}
	if err := scanner.ValidateThreshold(v); err != nil {
		return 0, err
	}
	return v, nil
}

// sanitizeFilename keeps the base name of an upload, restricted to a safe alphabet.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if len(out) > 100 {
		out = out[len(out)-100:]
	}
	if out == "" {
		return "video"
	}
	return out
}
