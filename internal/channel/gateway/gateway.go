// Package gateway implements the channel Adapter against an HTTP messaging
// gateway, one endpoint fronting every provider line.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rgalvao/switchboard/internal/channel"
	"github.com/rgalvao/switchboard/internal/config"
	"github.com/rgalvao/switchboard/internal/fault"
	"resty.dev/v3"
)

// Adapter sends messages through the provider's HTTP gateway.
type Adapter struct {
	client *resty.Client
}

// sendRequest is the gateway's send payload.
type sendRequest struct {
	ChannelID string `json:"channel_id"`
	To        string `json:"to"`
	Type      string `json:"type"`
	Body      string `json:"body,omitempty"`
	MediaRef  string `json:"media_ref,omitempty"`
}

// sendResponse is the gateway's reply on success and on structured errors.
type sendResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// New creates a gateway Adapter from the provider configuration.
func New(cfg config.ProviderConfig) *Adapter {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second).
		SetHeader("Content-Type", "application/json")
	return &Adapter{client: client}
}

// Send posts one message to the gateway. Network errors, timeouts, 429s and
// 5xx responses are transient; other 4xx responses are permanent (the
// gateway rejected the message itself, e.g. an invalid recipient).
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) (string, error) {
	contentType := msg.ContentType
	if contentType == "" {
		contentType = "text"
	}
	req := sendRequest{
		ChannelID: msg.ChannelID,
		To:        msg.ToPhone,
		Type:      contentType,
		Body:      msg.Body,
		MediaRef:  msg.MediaRef,
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+msg.Credential).
		SetBody(req).
		Post("/v1/messages")
	if err != nil {
		return "", fault.Transient(fmt.Errorf("gateway: send to %s: %w", msg.ToPhone, err))
	}

	body := resp.Bytes()
	if resp.StatusCode() >= 400 {
		var out sendResponse
		reason := string(body)
		if json.Unmarshal(body, &out) == nil && out.Error != "" {
			reason = out.Error
		}
		err := fmt.Errorf("gateway: status %d: %s", resp.StatusCode(), reason)
		if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500 {
			return "", fault.Transient(err)
		}
		return "", fault.Permanent(err)
	}

	var out sendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fault.Transient(fmt.Errorf("gateway: parse response: %w", err))
	}
	return out.MessageID, nil
}

// Close releases the underlying HTTP client.
func (a *Adapter) Close() error {
	return a.client.Close()
}
