package main

import (
	"log"
	"os"
	"time"

	"soulchat/internal/api"
	"soulchat/internal/bot"
	"soulchat/internal/config"
	"soulchat/internal/identity"
	"soulchat/internal/redis"
	"soulchat/internal/relay"
	"soulchat/internal/service/chat"
	"soulchat/internal/storage"
	"soulchat/internal/worker"
	"soulchat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := os.Getenv("SOULCHAT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("SOULCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	rdb, err := redis.NewClient(cfg)
	if err != nil {
		log.Fatalf("create redis client: %v", err)
	}
	defer rdb.Close()

	// Create necessary tables: messages, message_seen, message_reactions
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	chatService, err := chat.NewService(db, dbType)
	if err != nil {
		log.Fatalf("init chat service: %v", err)
	}
	replier, err := bot.NewModelReplier(cfg)
	if err != nil {
		log.Fatalf("init bot replier: %v", err)
	}
	workerCfg := worker.DispatcherConfig{
		MinWorkers:        cfg.BasicConfig.MinWorkers,
		MaxWorkers:        cfg.BasicConfig.MaxWorkers,
		QueueSize:         cfg.BasicConfig.QueueSize,
		WorkerIdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
		ReplyTimeout:      time.Duration(cfg.Bot.TimeoutSeconds) * time.Second,
	}
	manager := worker.NewManager(chatService, replier, workerCfg)

	verifier := identity.NewService(rdb)
	registry := relay.NewRegistry()
	liveRelay := relay.New(registry)

	fileBase := cfg.BasicConfig.FileBaseDir
	if fileBase == "" {
		fileBase = "./data/uploads"
	}
	handlers := api.NewHandler(chatService, verifier, liveRelay, manager, fileBase)
	wsHandler := ws.NewHandler(verifier, registry, liveRelay, chatService)

	router := gin.Default()
	handlers.RegisterRoutes(router)
	router.GET("/ws", wsHandler.Serve)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
