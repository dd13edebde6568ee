package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tubewebui "github.com/tubewise/tube-web-ui"
	"github.com/tubewise/tube-web-ui/internal/generation"
	"github.com/tubewise/tube-web-ui/internal/handlers"
	"github.com/tubewise/tube-web-ui/internal/services"
	"gopkg.in/yaml.v3"
)

const (
	defaultSummaryPrompt = "You are a helpful assistant that summarizes video transcripts. " +
		"Produce a concise summary with the key points as a markdown list."
	defaultSummaryUserPrompt = "Summarize this video."
	defaultChatPrompt        = "You are a helpful assistant. Answer questions about the video " +
		"using its transcript. If the transcript does not contain the answer, say so."
	defaultTitlePrompt = "Generate a title for this conversation with only one sentence " +
		"with maximum 5 words."
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "/tubewebui")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFilePath := filepath.Join(cfgPath, "config.yaml")
	cfgFile, err := os.Open(cfgFilePath)
	if err != nil {
		log.Fatal(fmt.Errorf("error opening config file: %w", err))
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		panic(fmt.Errorf("error decoding config file: %w", err))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	dbPath := filepath.Join(cfgPath, "store.db")
	boltDB, err := services.NewBoltDB(dbPath)
	if err != nil {
		panic(err)
	}

	// A model saved on the settings page wins over the configured one. It is
	// read once here; changing it requires a restart.
	storedModel, err := boltDB.Setting(context.Background(), services.SettingModel)
	if err != nil {
		panic(err)
	}

	titlePrompt := cfg.TitlePrompt
	if titlePrompt == "" {
		titlePrompt = defaultTitlePrompt
	}

	stack, err := cfg.LLM.build(llmDeps{
		store:       boltDB,
		model:       storedModel,
		titlePrompt: titlePrompt,
		logger:      logger,
	})
	if err != nil {
		panic(err)
	}

	idleTimeout, err := cfg.idleTimeout()
	if err != nil {
		panic(fmt.Errorf("error parsing idleTimeout: %w", err))
	}

	registry := generation.NewRegistry()
	sink := handlers.NewSSESink(logger)
	controller := generation.NewController(registry, stack.streamer, stack.creds, sink, generation.Options{
		MaxTranscriptChars: cfg.TranscriptMaxChars,
		IdleTimeout:        idleTimeout,
	}, logger)

	transcripts := services.NewTranscripts(boltDB, logger)

	prompts := handlers.Prompts{
		Summary:     cfg.SummaryPrompt,
		SummaryUser: cfg.SummaryUserPrompt,
		Chat:        cfg.ChatPrompt,
	}
	if prompts.Summary == "" {
		prompts.Summary = defaultSummaryPrompt
	}
	if prompts.SummaryUser == "" {
		prompts.SummaryUser = defaultSummaryUserPrompt
	}
	if prompts.Chat == "" {
		prompts.Chat = defaultChatPrompt
	}

	m, err := handlers.NewMain(
		controller,
		registry,
		sink,
		boltDB,
		transcripts,
		stack.titleGen,
		stack.validator,
		prompts,
		logger,
	)
	if err != nil {
		panic(err)
	}

	// Serve static files
	staticFS, err := fs.Sub(tubewebui.StaticFS, "static")
	if err != nil {
		panic(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	// Create custom mux
	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/summarize", m.HandleSummarize)
	mux.HandleFunc("/chat", m.HandleChat)
	mux.HandleFunc("/cancel", m.HandleCancel)
	mux.HandleFunc("/languages", m.HandleLanguages)
	mux.HandleFunc("/transcript", m.HandleTranscript)
	mux.HandleFunc("/settings", m.HandleSettings)
	mux.HandleFunc("/sse", sink.HandleSSE)

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			log.Printf("Failed to shutdown sse server: %v", err)
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		log.Println("Server starting on :" + cfg.Port)
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		log.Printf("Server error: %v", err)

	case sig := <-shutdown:
		log.Printf("Start shutdown, signal: %v", sig)

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Graceful shutdown failed: %v", err)
			if err := srv.Close(); err != nil {
				log.Printf("Forcing server close: %v", err)
			}
		}
	}
}
