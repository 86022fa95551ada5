package server

import (
	"context"
	"encoding/json"
	"log"

	"backend-friendlypix/internal/auth"
	"backend-friendlypix/internal/blob"
	"backend-friendlypix/internal/config"
	"backend-friendlypix/internal/feed"
	"backend-friendlypix/internal/store"
	"backend-friendlypix/internal/stream"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	App    *fiber.App
	Cfg    config.Config
	DB     *pgxpool.Pool
	Redis  *redis.Client
	Store  store.Client
	Feeds  *feed.Store
	Blobs  *blob.Service
	Stream *stream.Hub
}

func NewServer(cfg config.Config, db *pgxpool.Pool, redisClient *redis.Client) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	var client store.Client
	if redisClient != nil {
		client = store.NewRedis(redisClient)
	} else {
		client = store.NewMemory()
	}

	blobs := blob.NewService(db)

	s := &Server{
		App:    app,
		Cfg:    cfg,
		DB:     db,
		Redis:  redisClient,
		Store:  client,
		Feeds:  feed.NewStore(client, blobs),
		Blobs:  blobs,
		Stream: stream.NewHub(redisClient),
	}

	registerRoutes(s)
	bridgeFeedEvents(s)
	return s
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	auth.RegisterRoutes(s.App.Group("/auth"), auth.NewService(s.Cfg.JWTSecret, s.DB, s.Feeds))
	feed.RegisterRoutes(s.App, s.Feeds, s.Cfg.FeedPageSize, jwtMiddleware)
	blob.RegisterRoutes(s.App.Group("/storage"), s.Blobs, jwtMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream)
}

// bridgeFeedEvents mirrors global feed changes onto the websocket hub so
// connected clients can refresh without polling.
func bridgeFeedEvents(s *Server) {
	ctx := context.Background()
	ref := feed.GlobalFeed()

	// Anchor at the newest existing entry so a restart does not rebroadcast
	// feed history to connected clients.
	anchor := ""
	if newest, err := s.Store.Read(ctx, ref.Path(), "", 1); err != nil {
		log.Printf("reading feed anchor: %v", err)
	} else if len(newest) > 0 {
		anchor = newest[len(newest)-1].ID
	}

	err := s.Feeds.Subscribe(ctx, ref, anchor, func(id string, value []byte) {
		post, err := feed.DecodePost(store.Entry{ID: id, Value: value})
		if err != nil {
			log.Printf("decoding broadcast post %s: %v", id, err)
			return
		}
		payload, err := json.Marshal(fiber.Map{"kind": "added", "id": id, "post": post})
		if err != nil {
			return
		}
		s.Stream.Broadcast("feed", payload)
	})
	if err != nil {
		log.Printf("subscribing to feed inserts: %v", err)
	}

	err = s.Feeds.SubscribeRemovals(ctx, ref, func(id string) {
		payload, err := json.Marshal(fiber.Map{"kind": "removed", "id": id})
		if err != nil {
			return
		}
		s.Stream.Broadcast("feed", payload)
	})
	if err != nil {
		log.Printf("subscribing to feed removals: %v", err)
	}
}
