package bot

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"gptbot/internal/chat"
	"gptbot/internal/repository"
)

// command is one entry in the dispatch table. Cooldown and privilege checks
// that fail are silent no-ops to avoid chat spam.
type command struct {
	privileged bool
	cooldown   time.Duration
	run        func(h *Handler, ctx context.Context, ev chat.Event, args []string)
}

var commandTable = map[string]command{
	"commands":     {cooldown: commandsCooldown, run: (*Handler).cmdCommands},
	"speak":        {cooldown: speakCooldown, run: (*Handler).cmdSpeak},
	"isalive":      {privileged: true, run: (*Handler).cmdIsAlive},
	"toggle":       {privileged: true, run: (*Handler).cmdToggle},
	"wipe":         {privileged: true, run: (*Handler).cmdWipe},
	"setafter":     {privileged: true, run: (*Handler).cmdSetAfter},
	"setthreshold": {privileged: true, run: (*Handler).cmdSetThreshold},
}

// dispatchCommand parses the leading !-word and runs the matching command.
// Unknown tokens are a no-op, not an error.
func (h *Handler) dispatchCommand(ctx context.Context, ev chat.Event) {
	fields := strings.Fields(ev.Text)
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(strings.TrimPrefix(fields[0], "!"))

	cmd, ok := commandTable[name]
	if !ok {
		return
	}
	if cmd.privileged && !h.isPrivileged(ev) {
		return
	}
	if cmd.cooldown > 0 && !h.checkCooldown(name, cmd.cooldown) {
		return
	}

	h.logger.Info("Running command",
		zap.String("command", name), zap.String("author", ev.AuthorName))
	cmd.run(h, ctx, ev, fields[1:])
}

func (h *Handler) isPrivileged(ev chat.Event) bool {
	if ev.IsMod || ev.IsBroadcaster {
		return true
	}
	_, ok := h.admins[strings.ToLower(ev.AuthorName)]
	return ok
}

func (h *Handler) cmdCommands(ctx context.Context, ev chat.Event, args []string) {
	h.sender.Say(h.channel, "Available commands: !commands, !speak, !isalive, !toggle, !wipe, !setafter, !setthreshold")
}

func (h *Handler) cmdSpeak(ctx context.Context, ev chat.Event, args []string) {
	h.generateAndSend(ctx, "")
}

func (h *Handler) cmdIsAlive(ctx context.Context, ev chat.Event, args []string) {
	h.sender.Say(h.channel, "Yeah, I'm alive and learning. MrDestructoid")
}

func (h *Handler) cmdToggle(ctx context.Context, ev chat.Event, args []string) {
	h.mu.Lock()
	h.sendMessages = !h.sendMessages
	enabled := h.sendMessages
	h.mu.Unlock()

	h.persistSetting(repository.SettingSendMessages, strconv.FormatBool(enabled))

	if enabled {
		h.sender.Say(h.channel, "Messages are now turned on! MrDestructoid")
	} else {
		h.sender.Say(h.channel, "Messages will no longer be sent! MrDestructoid")
	}
}

func (h *Handler) cmdWipe(ctx context.Context, ev chat.Event, args []string) {
	if err := h.corpus.Wipe(); err != nil {
		h.logger.Error("Failed to wipe corpus", zap.Error(err))
		return
	}
	h.sender.Say(h.channel, "Wiped memory banks. MrDestructoid")
}

func (h *Handler) cmdSetAfter(ctx context.Context, ev chat.Event, args []string) {
	n, ok := parsePositiveInt(args)
	if !ok {
		h.mu.RLock()
		current := h.generateOn
		h.mu.RUnlock()
		h.sender.Say(h.channel, "Current value: "+strconv.Itoa(current)+". To set, use: !setafter <number of messages>")
		return
	}

	h.mu.Lock()
	h.generateOn = n
	h.mu.Unlock()

	h.persistSetting(repository.SettingGenerateOn, strconv.Itoa(n))
	h.sender.Say(h.channel, "Messages will now be sent after "+strconv.Itoa(n)+" chat messages. MrDestructoid")
}

func (h *Handler) cmdSetThreshold(ctx context.Context, ev chat.Event, args []string) {
	n, ok := parsePositiveInt(args)
	if !ok {
		h.mu.RLock()
		current := h.corpusThreshold
		h.mu.RUnlock()
		h.sender.Say(h.channel, "Current value: "+strconv.Itoa(current)+". To set, use: !setthreshold <number of messages>")
		return
	}

	h.mu.Lock()
	h.corpusThreshold = n
	h.mu.Unlock()

	h.persistSetting(repository.SettingCorpusThreshold, strconv.Itoa(n))
	h.sender.Say(h.channel, "Training will now start after "+strconv.Itoa(n)+" stored messages. MrDestructoid")
}

func (h *Handler) persistSetting(key, value string) {
	if err := h.settings.Set(key, value); err != nil {
		h.logger.Error("Failed to persist setting", zap.String("key", key), zap.Error(err))
	}
}

func parsePositiveInt(args []string) (int, bool) {
	if len(args) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
