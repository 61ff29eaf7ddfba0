package main

import (
	"fmt"
	"log"
	"os"

	"lastwill/internal/auth"
	"lastwill/internal/database"
	"lastwill/internal/handlers"
	"lastwill/internal/services"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

// This is our main function - the entry point of our application
func main() {
	// Load .env in development; in production the platform injects config
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Initialize payload encryption
	if err := auth.InitCrypto(); err != nil {
		log.Fatal("Failed to initialize crypto:", err)
	}

	// Initialize operator auth for the admin surface
	if err := auth.InitAdminAuth(); err != nil {
		log.Fatal("Failed to initialize admin auth:", err)
	}

	// Initialize database
	if err := database.InitDB(); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}

	// Start the reminder worker
	services.NewReminderWorker().Start()

	// Initialize Gin router
	router := gin.Default()

	// Configure trusted proxies
	router.SetTrustedProxies([]string{"127.0.0.1"})

	// CORS for the web frontend
	corsConfig := cors.DefaultConfig()
	if origin := os.Getenv("FRONTEND_ORIGIN"); origin != "" {
		corsConfig.AllowOrigins = []string{origin}
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	// Basic routes
	router.GET("/", handlers.HomeHandler)
	router.GET("/health", handlers.HealthHandler)

	// Secret routes
	router.POST("/secrets", handlers.CreateSecret)
	router.GET("/secrets/:id", handlers.GetSecret)
	router.POST("/secrets/:id/check-in", handlers.CheckIn)

	// Operator routes (admin token required)
	admin := router.Group("/admin")
	admin.Use(auth.AdminAuthMiddleware())
	{
		admin.GET("/email-failures", handlers.ListEmailFailures)
		admin.POST("/email-failures/:id/retry", handlers.RetryEmailFailure)
		admin.POST("/email-failures/batch-retry", handlers.BatchRetryEmailFailures)
		admin.DELETE("/email-failures/:id", handlers.ResolveEmailFailure)
	}

	// Start the server
	fmt.Println("Server starting on port 8080...")
	if err := router.Run(":8080"); err != nil {
		log.Fatal(err)
	}
}
