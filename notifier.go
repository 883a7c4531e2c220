package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// OperatorNotifier is the outbound-only notification path carried forward
// from the original implementation's Discord bot (see SPEC_FULL.md's
// "Operator notifications" section). It is fire-and-forget and must never
// block the dispatch thread or affect mining liveness (§4.6) — failures are
// logged and swallowed.
type OperatorNotifier interface {
	NotifyCleanJob(rec *JobRecord)
	NotifyEvent(msg string)
	Close()
}

// discordOperatorNotifier posts to a single Discord channel, grounded on the
// teacher's discord_bot.go session-open and ChannelMessageSend usage,
// trimmed to the notify path only — the interactive slash-command surface
// (registerCommands/handleCommand/pingLoop) belongs to the ops dashboard
// this core does not implement, so it is not carried over.
type discordOperatorNotifier struct {
	mu        sync.Mutex
	dg        *discordgo.Session
	channelID string
}

func newDiscordOperatorNotifier(token, channelID string) (*discordOperatorNotifier, error) {
	token = strings.TrimSpace(token)
	channelID = strings.TrimSpace(channelID)
	if token == "" || channelID == "" {
		return nil, nil
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	if err := dg.Open(); err != nil {
		return nil, err
	}
	return &discordOperatorNotifier{dg: dg, channelID: channelID}, nil
}

func (n *discordOperatorNotifier) send(msg string) {
	n.mu.Lock()
	dg := n.dg
	n.mu.Unlock()
	if dg == nil {
		return
	}
	if _, err := dg.ChannelMessageSend(n.channelID, msg); err != nil {
		logger.Warn("operator notify send failed", "error", err)
	}
}

func (n *discordOperatorNotifier) NotifyCleanJob(rec *JobRecord) {
	if n == nil || rec == nil {
		return
	}
	go n.send(fmt.Sprintf("new job: chain=%s height=%d job_id=%d",
		rec.ChainID(), rec.Job().Height(), rec.Job().ID()))
}

func (n *discordOperatorNotifier) NotifyEvent(msg string) {
	if n == nil {
		return
	}
	go n.send(msg)
}

func (n *discordOperatorNotifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	dg := n.dg
	n.dg = nil
	n.mu.Unlock()
	if dg != nil {
		_ = dg.Close()
	}
}

// noopOperatorNotifier is used when Discord notification is not configured;
// it keeps StratumServer from branching on nil everywhere §4.6 calls a
// notifier.
type noopOperatorNotifier struct{}

func (noopOperatorNotifier) NotifyCleanJob(*JobRecord) {}
func (noopOperatorNotifier) NotifyEvent(string)        {}
func (noopOperatorNotifier) Close()                    {}
