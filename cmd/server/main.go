// Dataset evaluation harness server - run-control HTTP shell.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dataset-eval/harness/internal/config"
	"github.com/dataset-eval/harness/internal/critic"
	"github.com/dataset-eval/harness/internal/criticloop"
	"github.com/dataset-eval/harness/internal/infrastructure/logger"
	"github.com/dataset-eval/harness/internal/oracle"
	"github.com/dataset-eval/harness/internal/orchestrator"
	"github.com/dataset-eval/harness/internal/planner"
	"github.com/dataset-eval/harness/internal/progress"
	"github.com/dataset-eval/harness/internal/questiongen"
	"github.com/dataset-eval/harness/internal/sandbox"
	"github.com/dataset-eval/harness/pkg/models"
)

// startRunRequest is the "start run" operation's request body (spec.md
// §6 run-control surface). Difficulty defaults to all and count to 10
// when omitted.
type startRunRequest struct {
	Difficulty string `json:"difficulty" validate:"omitempty,oneof=easy medium hard all"`
	Count      int    `json:"count" validate:"omitempty,min=1,max=10"`
}

var validate = validator.New()

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.Logging)
	logger.SetDefault(appLogger)

	dataset, err := loadDataset(getEnv("DATASET_PATH", "dataset.json"))
	if err != nil {
		appLogger.Error("failed to load dataset", "error", err)
		os.Exit(1)
	}
	appLogger.Info("dataset loaded", "keys", len(dataset.Data))

	// Process-wide singletons, started once at boot and live until
	// process exit (spec.md §9 "process-wide state").
	oracleClient := oracle.NewOpenAIClient(cfg.Oracle.APIKey, cfg.Oracle.BaseURL, cfg.Oracle.Model)
	generator := questiongen.New(oracleClient)
	registry := progress.NewRegistry(cfg.RegistryGrace())

	newLoop := func() *criticloop.Loop {
		return criticloop.New(
			planner.New(oracleClient),
			critic.New(oracleClient),
			sandbox.New(cfg.NodeTimeout()),
			cfg.Loop.MaxIterations,
		)
	}
	orch := orchestrator.New(generator, newLoop, registry)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	registerRoutes(router, orch, registry, dataset, appLogger)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	serverErrors := make(chan error, 1)
	go func() {
		appLogger.Info("http server starting", "host", cfg.Server.Host, "port", cfg.Server.Port)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		appLogger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		appLogger.Info("shutdown initiated", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			appLogger.Error("graceful shutdown failed", "error", err)
		}
	}
}

func registerRoutes(router *gin.Engine, orch *orchestrator.Orchestrator, registry *progress.Registry, dataset *models.Dataset, appLogger *logger.Logger) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	router.POST("/runs", func(c *gin.Context) {
		var req startRunRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"kind": "invalid_input", "message": err.Error()})
			return
		}
		if err := validate.Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"kind": "invalid_input", "message": err.Error()})
			return
		}

		difficulty := models.DifficultyLevel(req.Difficulty)
		if difficulty == "" {
			difficulty = models.DifficultyAll
		}
		if req.Count == 0 {
			req.Count = questiongen.DefaultCount
		}

		runID := uuid.NewString()
		registry.Create(runID, reportFileName(runID), 256)

		go func() {
			ctx := context.Background()
			report, err := orch.Run(ctx, runID, dataset, orchestrator.Options{Difficulty: difficulty, Count: req.Count})
			if err != nil {
				appLogger.Error("run failed", "run_id", runID, "error", err)
				return
			}
			if err := writeReport(reportFileName(runID), report); err != nil {
				appLogger.Error("failed to write report", "run_id", runID, "error", err)
			}
		}()

		c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
	})

	router.GET("/runs/:id", func(c *gin.Context) {
		handle, ok := registry.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"kind": "not_found", "message": "unknown run id"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      handle.Job.Status,
			"output_file": handle.Job.OutputFile,
		})
	})

	// Newline-delimited JSON chunked stream — SSE framing itself is out
	// of scope (spec.md §1).
	router.GET("/runs/:id/events", func(c *gin.Context) {
		handle, ok := registry.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"kind": "not_found", "message": "unknown run id"})
			return
		}

		c.Writer.Header().Set("Content-Type", "application/x-ndjson")
		c.Writer.WriteHeader(http.StatusOK)
		flusher, canFlush := c.Writer.(http.Flusher)

		enc := json.NewEncoder(c.Writer)
		for event := range handle.Bus.Events() {
			if err := enc.Encode(event); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
	})

	// Illustrative live progress relay alongside the NDJSON stream.
	router.GET("/runs/:id/ws", func(c *gin.Context) {
		handle, ok := registry.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"kind": "not_found", "message": "unknown run id"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			appLogger.Error("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		for event := range handle.Bus.Events() {
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})
}

func loadDataset(path string) (*models.Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset file: %w", err)
	}

	var dataset models.Dataset
	if err := json.Unmarshal(raw, &dataset); err != nil {
		return nil, fmt.Errorf("decode dataset file: %w", err)
	}

	if err := dataset.Validate(); err != nil {
		return nil, err
	}

	return &dataset, nil
}

func writeReport(path string, report *models.Report) error {
	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return os.WriteFile(path, encoded, 0o644)
}

func reportFileName(runID string) string {
	return fmt.Sprintf("report-%s.json", runID)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
