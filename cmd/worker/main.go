package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"resume-analysis-pipeline/internal/config"
	"resume-analysis-pipeline/internal/queue"
	"resume-analysis-pipeline/internal/telemetry"
	"resume-analysis-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	q := queue.New(cfg)
	defer q.Close()

	analyzer, err := worker.NewGeminiAnalyzer(ctx, cfg)
	if err != nil {
		log.Fatalf("init analyzer: %v", err)
	}

	processor := worker.NewProcessor(cfg, q, analyzer, worker.NewWebhookReporter(cfg))

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started model=%s visibility=%s max_attempts=%d", cfg.GeminiModel, cfg.VisibilityTimeout, cfg.MaxAttempts)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
