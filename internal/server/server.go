// Package server exposes a small read-only status API over the running
// channels: corpus size, promoted models and trainer state.
package server

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"gptbot/internal/bot"
	"gptbot/internal/repository"
	"gptbot/internal/trainer"
)

// Channel bundles the per-channel components the status API reads from.
type Channel struct {
	Corpus      repository.CorpusRepository
	Models      repository.ModelRepository
	Handler     *bot.Handler
	Coordinator *trainer.Coordinator
}

type Server struct {
	router   *gin.Engine
	channels map[string]*Channel
	logger   *zap.Logger
}

// NewServer creates the status API server over the given channels.
func NewServer(channels map[string]*Channel, logger *zap.Logger) *Server {
	router := gin.Default()

	s := &Server{
		router:   router,
		channels: channels,
		logger:   logger,
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	// Ping route for health check
	s.router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})

	api := s.router.Group("/api/v1")
	{
		api.GET("/channels", s.listChannels)
		api.GET("/channels/:channel/stats", s.channelStats)
	}
}

func (s *Server) listChannels(c *gin.Context) {
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	c.JSON(http.StatusOK, gin.H{"channels": names})
}

func (s *Server) channelStats(c *gin.Context) {
	name := c.Param("channel")
	ch, ok := s.channels[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown channel"})
		return
	}

	count, err := ch.Corpus.Count()
	if err != nil {
		s.logger.Error("Failed to count corpus", zap.String("channel", name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read corpus"})
		return
	}

	history, err := ch.Models.History()
	if err != nil {
		s.logger.Error("Failed to read model history", zap.String("channel", name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read model history"})
		return
	}

	var iteration int64
	if len(history) > 0 {
		iteration = history[len(history)-1].Iteration
	}

	stats := ch.Handler.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"channel":          name,
		"corpus_count":     count,
		"active_model":     stats.ActiveModel,
		"send_messages":    stats.SendMessages,
		"generate_on":      stats.GenerateOn,
		"corpus_threshold": stats.Threshold,
		"iteration":        iteration,
		"trainer_state":    ch.Coordinator.State().String(),
	})
}

// Run starts the HTTP server.
func (s *Server) Run(addr string) {
	s.logger.Info("Server starting", zap.String("addr", addr))
	if err := s.router.Run(addr); err != nil {
		s.logger.Fatal("Server failed to start", zap.Error(err))
	}
}
