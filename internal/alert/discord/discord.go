// Package discord mirrors operational alerts to a Discord channel.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/rgalvao/switchboard/internal/models"
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Notifier posts alerts as embeds to one Discord channel.
type Notifier struct {
	sess      session
	channelID string
	opened    bool
}

// Opts holds parameters for creating a Discord Notifier.
type Opts struct {
	BotToken  string
	ChannelID string
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// New creates a Discord Notifier.
func New(opts Opts) (*Notifier, error) {
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("discord: channel ID is required")
	}
	sess := opts.Session
	if sess == nil {
		if opts.BotToken == "" {
			return nil, fmt.Errorf("discord: bot token is required")
		}
		s, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		sess = s
	}
	return &Notifier{sess: sess, channelID: opts.ChannelID}, nil
}

// Notify posts the alert as an embed, opening the session lazily.
func (n *Notifier) Notify(_ context.Context, a models.Alert) error {
	if !n.opened {
		if err := n.sess.Open(); err != nil {
			return fmt.Errorf("discord: open session: %w", err)
		}
		n.opened = true
	}

	embed := &discordgo.MessageEmbed{
		Title:       a.Subject,
		Description: a.Body,
		Color:       severityColor(a.Severity),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Segment", Value: fmt.Sprintf("%d", a.SegmentID), Inline: true},
			{Name: "Severity", Value: a.Severity, Inline: true},
		},
	}
	if _, err := n.sess.ChannelMessageSendEmbed(n.channelID, embed); err != nil {
		return fmt.Errorf("discord: send embed: %w", err)
	}
	return nil
}

// Close shuts down the Discord session.
func (n *Notifier) Close() error {
	if !n.opened {
		return nil
	}
	n.opened = false
	return n.sess.Close()
}

// severityColor maps an alert severity to an embed color.
func severityColor(severity string) int {
	switch severity {
	case models.AlertInfo:
		return 0x2196f3
	case models.AlertError:
		return 0xe53935
	default:
		return 0xff9800
	}
}
