package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/decred/slog"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"golang.org/x/oauth2/clientcredentials"
	"gopkg.in/yaml.v3"

	"github.com/exVick/corti-playground/internal/cleanup"
	"github.com/exVick/corti-playground/internal/corti"
	"github.com/exVick/corti-playground/internal/handlers"
	"github.com/exVick/corti-playground/internal/queue"
	"github.com/exVick/corti-playground/internal/storage"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Port int    `yaml:"port"`
		Host string `yaml:"host"`
	} `yaml:"server"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Corti struct {
		BaseURL      string `yaml:"base_url"`
		Tenant       string `yaml:"tenant"`
		TokenURL     string `yaml:"token_url"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
	} `yaml:"corti"`

	Simulator struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"simulator"`

	Workers struct {
		Count int `yaml:"count"`
	} `yaml:"workers"`

	Storage struct {
		TempDir   string `yaml:"temp_dir"`
		OutputDir string `yaml:"output_dir"`
		Database  string `yaml:"database"`
	} `yaml:"storage"`

	Cleanup struct {
		IntervalMinutes int `yaml:"interval_minutes"`
		MaxAgeHours     int `yaml:"max_age_hours"`
	} `yaml:"cleanup"`

	GoogleDrive struct {
		CredentialsFile string `yaml:"credentials_file"`
		TokenFile       string `yaml:"token_file"`
		FolderName      string `yaml:"folder_name"`
	} `yaml:"google_drive"`
}

func main() {
	configPath := "config/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	config, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Logging: everything goes to stdout and the in-memory ring served
	// at /logs.
	logBuffer := &LogBuffer{lines: make([]string, 0, 1000)}
	backend := slog.NewBackend(io.MultiWriter(os.Stdout, logBuffer))

	level, ok := slog.LevelFromString(config.Logging.Level)
	if !ok {
		level = slog.LevelInfo
	}
	newLogger := func(subsys string) slog.Logger {
		l := backend.Logger(subsys)
		l.SetLevel(level)
		return l
	}

	log := newLogger("SCRB")

	if err := cleanup.EnsureTempDirExists(config.Storage.TempDir); err != nil {
		log.Errorf("Failed to create temp directory: %v", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(config.Storage.OutputDir, 0755); err != nil {
		log.Errorf("Failed to create output directory: %v", err)
		os.Exit(1)
	}

	log.Infof("Initializing components...")

	// Vendor client. The token source caches client-credentials tokens
	// and refreshes on expiry; it is constructed once and injected.
	creds := &clientcredentials.Config{
		ClientID:     config.Corti.ClientID,
		ClientSecret: config.Corti.ClientSecret,
		TokenURL:     config.Corti.TokenURL,
	}
	cortiClient := corti.NewClient(config.Corti.BaseURL, config.Corti.Tenant,
		creds.TokenSource(context.Background()))

	localStorage := storage.NewLocalStorage(config.Storage.OutputDir)

	// Google Drive archive (optional, requires credentials on disk).
	var driveClient *storage.DriveClient
	if _, err := os.Stat(config.GoogleDrive.CredentialsFile); err == nil {
		driveClient, err = storage.NewDriveClient(
			config.GoogleDrive.CredentialsFile,
			config.GoogleDrive.TokenFile,
			config.GoogleDrive.FolderName,
		)
		if err != nil {
			log.Warnf("Google Drive not available: %v", err)
			log.Infof("Notes will only be saved locally")
			driveClient = nil
		} else {
			log.Infof("Google Drive archive enabled")
		}
	} else {
		log.Infof("Google Drive credentials not found - saving locally only")
	}

	db, err := storage.NewMetadataDB(config.Storage.Database)
	if err != nil {
		log.Errorf("Failed to initialize database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	var archiver queue.NoteArchiver
	if driveClient != nil {
		archiver = driveClient
	}
	workerPool := queue.NewWorkerPool(
		config.Workers.Count,
		cortiClient,
		localStorage,
		archiver,
		db,
		newLogger("QUEU"),
	)
	workerPool.Start()

	cleanupScheduler := cleanup.NewScheduler(
		config.Storage.TempDir,
		time.Duration(config.Cleanup.IntervalMinutes)*time.Minute,
		time.Duration(config.Cleanup.MaxAgeHours)*time.Hour,
		newLogger("CLNU"),
	)
	cleanupScheduler.Start()
	defer cleanupScheduler.Stop()

	app := fiber.New()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	handlerLog := newLogger("HNDL")
	sessionHandler := handlers.NewSessionHandler(cortiClient, workerPool, db,
		config.Simulator.Enabled, handlerLog)
	noteHandler := handlers.NewNoteHandler(cortiClient, handlerLog)
	simulator := handlers.NewSimulator(config.Storage.TempDir, handlerLog)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":    "healthy",
			"simulator": config.Simulator.Enabled,
		})
	})

	app.Post("/api/sessions", sessionHandler.Provision)
	app.Post("/api/sessions/:id/complete", sessionHandler.Complete)
	app.Get("/api/sessions", sessionHandler.List)
	app.Get("/api/sessions/:id/note", sessionHandler.GetNote)

	app.Post("/api/notes", noteHandler.Summarize)
	app.Post("/api/codes", noteHandler.PredictCodes)
	app.Post("/api/facts", noteHandler.ExtractFacts)

	app.Get("/ws/stream", websocket.New(simulator.Handle))

	app.Get("/logs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"logs": logBuffer.GetLogs(),
		})
	})

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	log.Infof("Scribe backend starting on %s", addr)
	log.Infof("Endpoints:")
	log.Infof("   POST /api/sessions              - Provision a recording session")
	log.Infof("   POST /api/sessions/:id/complete - Submit transcript for note generation")
	log.Infof("   GET  /api/sessions              - List archived sessions")
	log.Infof("   GET  /api/sessions/:id/note     - Get generated note")
	log.Infof("   POST /api/notes                 - Summarize a transcript")
	log.Infof("   POST /api/codes                 - Predict billing codes")
	log.Infof("   POST /api/facts                 - Extract clinical facts")
	log.Infof("   GET  /ws/stream                 - Dev stream simulator")
	log.Infof("   GET  /logs                      - View server logs")
	log.Infof("   GET  /health                    - Health check")

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Infof("Shutting down gracefully...")
		app.Shutdown()
	}()

	if err := app.Listen(addr); err != nil {
		log.Errorf("Server failed: %v", err)
		os.Exit(1)
	}
}

// LogBuffer captures logs in memory
type LogBuffer struct {
	lines []string
	mu    sync.Mutex
}

func (lb *LogBuffer) Write(p []byte) (n int, err error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.lines = append(lb.lines, string(p))

	// Keep last 1000 lines
	if len(lb.lines) > 1000 {
		lb.lines = lb.lines[len(lb.lines)-1000:]
	}

	return len(p), nil
}

func (lb *LogBuffer) GetLogs() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	logs := make([]string, len(lb.lines))
	copy(logs, lb.lines)
	return logs
}

// loadConfig loads configuration from YAML file
func loadConfig(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	if config.Workers.Count <= 0 {
		config.Workers.Count = 2
	}
	if config.Cleanup.IntervalMinutes <= 0 {
		config.Cleanup.IntervalMinutes = 30
	}
	if config.Cleanup.MaxAgeHours <= 0 {
		config.Cleanup.MaxAgeHours = 24
	}

	return &config, nil
}
