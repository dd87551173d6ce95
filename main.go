package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pickleball-ranking-system/cache"
	"pickleball-ranking-system/handlers"
	"pickleball-ranking-system/middleware"
	"pickleball-ranking-system/models"
	"pickleball-ranking-system/services"
	"pickleball-ranking-system/utils"
	"pickleball-ranking-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{})

	// 🔐 GLOBAL: Only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, X-User-ID, X-User-Roles",
		ExposeHeaders:    "Content-Length, Content-Type, Authorization, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	if err := utils.InitR2(); err != nil {
		log.Fatal("failed to initialize R2 report archive:", err)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.MatchRecord{},
		&models.MatchParticipant{},
		&models.RankingBucket{},
		&models.AppliedMatch{},
		&models.XPLedgerEntry{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	var leaderboardCache *cache.LeaderboardCache
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		leaderboardCache = cache.NewLeaderboardCache(redisAddr)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := leaderboardCache.Ping(pingCtx); err != nil {
			log.Fatal("failed to connect to redis:", err)
		}
		cancel()
	} else {
		log.Println("⚠️  REDIS_ADDR not set — leaderboard mirror disabled")
	}

	rankingService := services.NewRankingService(db, leaderboardCache)
	rewardService := services.NewRewardService(db, rankingService)
	planStore := services.NewPlanStore()
	auditService := services.NewAuditService(&services.GormLedgerSource{DB: db}, planStore)
	cleanupService := services.NewCleanupService(db, rankingService, planStore)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auditWorker := workers.NewIntegrityAuditWorker(auditService)
	go func() {
		log.Println("Starting Integrity Audit Worker...")
		auditWorker.Start(ctx)
	}()

	rankingService.StartLeaderboardRefresher(10 * time.Minute)

	handlers.SetupMatchRoutes(app, rewardService, rankingService, leaderboardCache)
	handlers.SetupIntegrityRoutes(app, auditService, cleanupService)

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Server running on http://localhost:5300")
	log.Println("✅ Integrity audit worker running")
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
}
