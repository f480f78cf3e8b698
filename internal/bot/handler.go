// Package bot implements the per-channel chat handler: the ingest path into
// the corpus, the generation gate and the command dispatcher.
package bot

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"gptbot/internal/chat"
	"gptbot/internal/config"
	"gptbot/internal/filter"
	"gptbot/internal/models"
	"gptbot/internal/repository"
	"gptbot/internal/trainer"
)

// Cooldowns for rate-limited actions.
const (
	speakCooldown    = 300 * time.Second
	commandsCooldown = 300 * time.Second
	replyCooldown    = 120 * time.Second
)

// Generator produces text from the active model.
type Generator interface {
	Complete(ctx context.Context, model string, maxTokens int, stop []string) (string, error)
}

// Handler owns the runtime state of one monitored channel. One instance per
// channel; instances never interact.
type Handler struct {
	channel   string
	botName   string
	admins    map[string]struct{}
	corpus    repository.CorpusRepository
	settings  repository.SettingsRepository
	generator Generator
	sender    chat.Sender
	blacklist *filter.Blacklist
	logger    *zap.Logger
	now       func() time.Time

	mu              sync.RWMutex
	model           string
	maxTokens       int
	sendMessages    bool
	generateOn      int
	corpusThreshold int
	allowMentions   bool
	ignoredUsers    map[string]struct{}
	messageCount    int
	lastUsed        map[string]time.Time
}

// NewHandler creates the handler for a channel. The active model starts as
// the latest promoted model, falling back to the configured one; runtime
// settings persisted by earlier commands override the YAML config.
func NewHandler(
	channel string,
	botName string,
	cfg *config.ChannelConfig,
	admins []string,
	corpus repository.CorpusRepository,
	modelRepo repository.ModelRepository,
	settings repository.SettingsRepository,
	generator Generator,
	sender chat.Sender,
	blacklist *filter.Blacklist,
	logger *zap.Logger,
) *Handler {
	h := &Handler{
		channel:         channel,
		botName:         strings.ToLower(botName),
		admins:          make(map[string]struct{}, len(admins)),
		corpus:          corpus,
		settings:        settings,
		generator:       generator,
		sender:          sender,
		blacklist:       blacklist,
		logger:          logger.With(zap.String("channel", channel)),
		now:             time.Now,
		model:           cfg.Model,
		maxTokens:       cfg.MaxTokens,
		sendMessages:    cfg.SendEnabled(),
		generateOn:      cfg.GenerateOn,
		corpusThreshold: cfg.CorpusThreshold,
		allowMentions:   cfg.MentionsAllowed(),
		ignoredUsers:    make(map[string]struct{}, len(cfg.IgnoredUsers)),
		lastUsed:        make(map[string]time.Time),
	}
	for _, a := range admins {
		h.admins[strings.ToLower(a)] = struct{}{}
	}
	for _, u := range cfg.IgnoredUsers {
		h.ignoredUsers[strings.ToLower(u)] = struct{}{}
	}

	if model, err := modelRepo.Latest(); err == nil {
		h.model = model
	} else if err != repository.ErrNoModel {
		h.logger.Error("Failed to read latest model, using configured model", zap.Error(err))
	}

	h.loadPersistedSettings()

	return h
}

// loadPersistedSettings applies command-driven overrides saved in the
// settings table.
func (h *Handler) loadPersistedSettings() {
	if v, ok, err := h.settings.Get(repository.SettingSendMessages); err != nil {
		h.logger.Error("Failed to load persisted setting", zap.Error(err))
	} else if ok {
		h.sendMessages = v == "true"
	}
	if v, ok, err := h.settings.Get(repository.SettingGenerateOn); err != nil {
		h.logger.Error("Failed to load persisted setting", zap.Error(err))
	} else if ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			h.generateOn = n
		}
	}
	if v, ok, err := h.settings.Get(repository.SettingCorpusThreshold); err != nil {
		h.logger.Error("Failed to load persisted setting", zap.Error(err))
	} else if ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			h.corpusThreshold = n
		}
	}
}

// Run consumes model promotions from the retraining coordinator until ctx is
// canceled.
func (h *Handler) Run(ctx context.Context, promotions <-chan trainer.Promotion) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-promotions:
			h.mu.Lock()
			h.model = p.Model
			h.mu.Unlock()
			h.logger.Info("Switched to promoted model",
				zap.String("model", p.Model), zap.Int64("iteration", p.Iteration))
		}
	}
}

// OnMessage is the ingest path, invoked once per inbound chat event. Every
// per-message failure is logged and swallowed; this path never panics the
// dispatch loop.
func (h *Handler) OnMessage(ctx context.Context, ev chat.Event) {
	author := strings.ToLower(ev.AuthorName)
	if author == h.botName {
		return
	}
	if _, ignored := h.ignoredUsers[author]; ignored {
		return
	}

	switch {
	case strings.HasPrefix(ev.Text, "!"):
		h.dispatchCommand(ctx, ev)
	case strings.Contains(strings.ToLower(ev.Text), "@"+h.botName):
		h.logger.Info("Mentioned in chat",
			zap.String("author", ev.AuthorName), zap.String("text", ev.Text))
		if h.checkCooldown("reply", replyCooldown) {
			h.generateAndSend(ctx, ev.AuthorName)
		}
	default:
		h.ingest(ctx, ev)
	}
}

// ingest filters the message into the corpus and fires the generation gate
// when enough messages have accumulated.
func (h *Handler) ingest(ctx context.Context, ev chat.Event) {
	text, ok := filter.Normalize(ev.Text, filter.Options{
		Blacklist:     h.blacklist,
		AllowMentions: h.mentionsAllowed(),
	})
	if !ok {
		return
	}

	msg := &models.Message{
		CreatedAt:  ev.Time,
		AuthorID:   ev.AuthorID,
		AuthorName: ev.AuthorName,
		Privileged: ev.IsMod || ev.IsBroadcaster,
		Text:       text,
	}
	if _, err := h.corpus.Append(msg); err != nil {
		h.logger.Error("Failed to store message", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.messageCount++
	fire := h.messageCount >= h.generateOn
	if fire {
		// Reset before generating so a failing remote service cannot
		// cause a retry storm on every subsequent message.
		h.messageCount = 0
	}
	h.mu.Unlock()

	if fire {
		h.generateAndSend(ctx, "")
	}
}

// generateAndSend asks the active model for a message. The result is always
// logged; it is published only while sending is enabled. Remote failures are
// logged, never propagated.
func (h *Handler) generateAndSend(ctx context.Context, target string) {
	h.mu.RLock()
	model := h.model
	maxTokens := h.maxTokens
	send := h.sendMessages
	h.mu.RUnlock()

	generated, err := h.generator.Complete(ctx, model, maxTokens, []string{"\n"})
	if err != nil {
		h.logger.Error("Could not generate a message", zap.Error(err))
		return
	}
	generated = strings.TrimSpace(generated)
	if generated == "" {
		h.logger.Error("Generated an empty message")
		return
	}

	if target != "" {
		generated = "@" + target + " " + generated
	}
	h.logger.Info("Generated message", zap.String("text", generated))

	if send {
		h.sender.Say(h.channel, generated)
	}
}

// checkCooldown reports whether the named action may run now and stamps its
// last-use time when it may.
func (h *Handler) checkCooldown(name string, cooldown time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if now.Sub(h.lastUsed[name]) < cooldown {
		return false
	}
	h.lastUsed[name] = now
	return true
}

func (h *Handler) mentionsAllowed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.allowMentions
}

// Threshold returns the current corpus-size training threshold. Read by the
// retraining coordinator on every check.
func (h *Handler) Threshold() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.corpusThreshold
}

// Stats is a read-only snapshot of the channel's runtime state.
type Stats struct {
	ActiveModel  string `json:"active_model"`
	SendMessages bool   `json:"send_messages"`
	GenerateOn   int    `json:"generate_on"`
	Threshold    int    `json:"corpus_threshold"`
}

// Snapshot returns the current runtime state for the status API.
func (h *Handler) Snapshot() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		ActiveModel:  h.model,
		SendMessages: h.sendMessages,
		GenerateOn:   h.generateOn,
		Threshold:    h.corpusThreshold,
	}
}
