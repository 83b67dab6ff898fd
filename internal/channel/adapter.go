// Package channel abstracts the external one-to-one messaging provider.
package channel

import "context"

// OutboundMessage is one send request to the provider.
type OutboundMessage struct {
	ChannelID   string // provider identifier of the sending line
	Credential  string // provider credential for that line
	ToPhone     string
	Body        string
	ContentType string // "text", "image", "document"
	MediaRef    string // provider media reference for non-text content
}

// Adapter is the interface provider-specific implementations must satisfy.
// Send returns the provider's message identifier on success; failures are
// wrapped as fault.DeliveryError so callers can tell retryable from
// permanent.
type Adapter interface {
	Send(ctx context.Context, msg OutboundMessage) (providerMessageID string, err error)
	Close() error
}
