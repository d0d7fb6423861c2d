package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"road-defect-pipeline/apiclient"
	"road-defect-pipeline/config"
	"road-defect-pipeline/detector"
	"road-defect-pipeline/handlers"
	"road-defect-pipeline/metrics"
	"road-defect-pipeline/rabbitmq"
	"road-defect-pipeline/service"
	"road-defect-pipeline/storage"
	"road-defect-pipeline/websocket"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Set log level
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	metrics.Register()

	// Connect to the spatial store
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := storage.NewDatabase(ctx, cfg.MongoURI, cfg.DatabaseName)
	cancel()
	if err != nil {
		log.Fatal("Failed to connect to MongoDB:", err)
	}
	defer db.Close(context.Background())

	// Queue producer and consumer
	publisher, err := rabbitmq.NewPublisher(cfg.GetAMQPURL(), cfg.RabbitMQExchange, cfg.RabbitMQQueue, cfg.RabbitMQRoutingKey)
	if err != nil {
		log.Fatal("Failed to create RabbitMQ publisher:", err)
	}
	defer publisher.Close()

	subscriber, err := rabbitmq.NewSubscriber(cfg.GetAMQPURL(), cfg.RabbitMQExchange, cfg.RabbitMQQueue)
	if err != nil {
		log.Fatal("Failed to create RabbitMQ subscriber:", err)
	}
	defer subscriber.Close()

	// Live event fan-out
	hub := websocket.NewHub()
	go hub.Run()

	// Pipeline service
	det := detector.NewHTTPClient(cfg.DetectorURL, cfg.ConfidenceThreshold, cfg.RequestTimeout)
	callback := apiclient.NewClient(cfg.CallbackURL, cfg.CallbackRetries, cfg.CallbackBackoff)
	svc := service.New(db, det, callback, hub, cfg)

	// Start consuming reports
	if err := subscriber.Start(map[string]rabbitmq.CallbackFunc{
		cfg.RabbitMQRoutingKey: svc.HandleReportMessage,
	}); err != nil {
		log.Fatal("Failed to start RabbitMQ subscriber:", err)
	}
	log.Printf("Consuming reports from queue %s", subscriber.GetQueue())

	// Setup HTTP server
	router := setupRouter(handlers.New(svc, publisher, hub, cfg))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server:", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := subscriber.Close(); err != nil {
		log.Printf("Error closing subscriber: %v", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exited")
}

func setupRouter(h *handlers.Handlers) *gin.Engine {
	router := gin.Default()

	// Add gzip compression middleware
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	// Add CORS middleware
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	h.RegisterRoutes(router)
	return router
}
