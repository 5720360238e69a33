// Package messaging provides the transport-neutral message service used by Empathibot
// and the handler that turns inbound messages into conversation turns.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/Empathibot/internal/models"
)

const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an emit waits on a full channel before dropping.
	DefaultChannelTimeout = 1 * time.Second
	// MinPhoneDigits is the shortest number accepted as a recipient.
	MinPhoneDigits = 6
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
// It supports sending messages, and provides channels for receipt and response events.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient and returns the provider delivery id.
	SendMessage(ctx context.Context, to string, body string) (string, error)

	// Start begins any background processing (e.g., event subscriptions).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channels.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of inbound user messages.
	Responses() <-chan models.Response
}

// CanonicalPhone strips everything but digits and returns "+<digits>".
// The result is the identity Empathibot keys users by.
func CanonicalPhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	digits := phoneNumberRegex.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", digits, MinPhoneDigits)
	}
	return "+" + digits, nil
}

// eventBus owns the receipt and response channels shared by the service implementations.
// Emits after close are dropped instead of panicking.
type eventBus struct {
	name      string
	receipts  chan models.Receipt
	responses chan models.Response
	mu        sync.RWMutex
	stopped   bool
}

func newEventBus(name string) *eventBus {
	return &eventBus{
		name:      name,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

func (b *eventBus) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

// close marks the bus stopped and closes both channels. Safe to call twice.
func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.receipts)
	close(b.responses)
}

// The read lock is held across the send so close cannot run concurrently.
func (b *eventBus) emitReceipt(r models.Receipt) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return
	}
	select {
	case b.receipts <- r:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(b.name+": receipts channel blocked, dropping receipt", "to", r.To)
	}
}

func (b *eventBus) emitResponse(r models.Response) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn(b.name+": dropping inbound message (service stopped)", "from", r.From)
		return false
	}
	select {
	case b.responses <- r:
		slog.Debug(b.name+": inbound message forwarded", "from", r.From)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(b.name+": responses channel blocked, dropping message", "from", r.From, "timeout", DefaultChannelTimeout)
		return false
	}
}

// Gateway adapts a Service to the outbound-only interface used by check-in runs.
type Gateway struct {
	Service Service
}

// Send delivers body to the recipient through the wrapped service.
func (g Gateway) Send(ctx context.Context, to, body string) (string, error) {
	return g.Service.SendMessage(ctx, to, body)
}
