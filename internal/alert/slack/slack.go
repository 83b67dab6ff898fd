// Package slack mirrors operational alerts to a Slack channel.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rgalvao/switchboard/internal/models"
	slackapi "github.com/slack-go/slack"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// client abstracts the Slack API methods we use, enabling test mocks.
type client interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Notifier posts alerts to one Slack channel.
type Notifier struct {
	client    client
	channelID string
}

// Opts holds parameters for creating a Slack Notifier.
type Opts struct {
	Token     string
	ChannelID string
	// For testing: inject a mock client instead of the real Slack API.
	Client client
}

// New creates a Slack Notifier.
func New(opts Opts) (*Notifier, error) {
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel ID is required")
	}
	c := opts.Client
	if c == nil {
		if opts.Token == "" {
			return nil, fmt.Errorf("slack: token is required")
		}
		c = slackapi.New(opts.Token)
	}
	return &Notifier{client: c, channelID: opts.ChannelID}, nil
}

// Notify posts the alert as an attachment, retrying on Slack rate limits.
func (n *Notifier) Notify(ctx context.Context, a models.Alert) error {
	att := slackapi.Attachment{
		Title:    a.Subject,
		Text:     a.Body,
		Color:    severityColor(a.Severity),
		Fallback: a.Subject,
		Fields: []slackapi.AttachmentField{
			{Title: "Segment", Value: fmt.Sprintf("%d", a.SegmentID), Short: true},
			{Title: "Severity", Value: a.Severity, Short: true},
		},
	}

	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := n.client.PostMessage(n.channelID, slackapi.MsgOptionAttachments(att))
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post alert: %w", err)
	}
	return nil
}

// Close is a no-op; the Slack client holds no connection.
func (n *Notifier) Close() error { return nil }

// severityColor maps an alert severity to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case models.AlertInfo:
		return "#2196f3"
	case models.AlertError:
		return "#e53935"
	default:
		return "#ff9800"
	}
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit
// errors, respecting context cancellation and Slack's RetryAfter.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
