package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/Empathibot/internal/models"
	"github.com/BTreeMap/Empathibot/internal/twiliowhatsapp"
)

// TwilioService implements Service on top of the Twilio REST client.
// Inbound messages arrive through TwilioWebhookHandler.
type TwilioService struct {
	client twiliowhatsapp.Sender
	bus    *eventBus
	now    func() time.Time
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService wraps a Twilio sender (real client or MockClient).
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client: client,
		bus:    newEventBus("TwilioService"),
		now:    time.Now,
	}
}

// ValidateAndCanonicalizeRecipient accepts "whatsapp:+1 555..." style numbers and returns "+<digits>".
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := CanonicalPhone(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op; Twilio pushes inbound messages to the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channels.
func (s *TwilioService) Stop() error {
	s.bus.close()
	slog.Info("TwilioService stopped")
	return nil
}

// SendMessage sends a message via Twilio and emits a sent receipt carrying the message SID.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if s.bus.isStopped() {
		return "", ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return "", err
	}

	sid, err := s.client.SendMessage(ctx, canonicalTo, body)
	if err != nil {
		s.bus.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusFailed, Time: s.now().Unix()})
		return "", err
	}

	s.bus.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, DeliveryID: sid, Time: s.now().Unix()})
	return sid, nil
}

// Receipts returns the channel for sent message receipts
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.bus.receipts
}

// Responses returns the channel of inbound messages received by the webhook.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.bus.responses
}

// TwilioWebhookHandler handles inbound Twilio webhook requests.
// It reads the From, Body and MessageSid form fields and emits a models.Response.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.TwilioWebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	sid := r.FormValue("MessageSid")

	if from == "" || body == "" {
		slog.Warn("TwilioService.TwilioWebhookHandler: missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	canonicalFrom, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("TwilioService.TwilioWebhookHandler: invalid sender", "from", from, "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	slog.Info("TwilioService.TwilioWebhookHandler: inbound message", "from", canonicalFrom, "sid", sid)
	slog.Debug("TwilioService.TwilioWebhookHandler: inbound body", "from", canonicalFrom, "body", body)

	if !s.bus.emitResponse(models.Response{ID: sid, From: canonicalFrom, Body: body, Time: s.now().Unix()}) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}
