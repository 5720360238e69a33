package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/Empathibot/internal/models"
	"github.com/BTreeMap/Empathibot/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using the whatsmeow-based client.
type WhatsAppService struct {
	client    whatsapp.Sender
	waClient  *whatsapp.Client // nil when client is a mock
	bus       *eventBus
	now       func() time.Time
	mu        sync.Mutex
	handlerID uint32
	started   bool
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService wraps the given sender. Inbound events are only
// available when client is a *whatsapp.Client.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		client: client,
		bus:    newEventBus("WhatsAppService"),
		now:    time.Now,
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
	}
	return s
}

// ValidateAndCanonicalizeRecipient returns the "+<digits>" form of a phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalPhone(recipient)
}

// Start subscribes to whatsmeow message and receipt events.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event subscription")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.handlerID = s.waClient.GetClient().AddEventHandler(s.handleEvent)
	s.started = true
	slog.Debug("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop unsubscribes from events and closes the channels.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	if s.started && s.waClient != nil && s.waClient.GetClient() != nil {
		s.waClient.GetClient().RemoveEventHandler(s.handlerID)
		s.started = false
	}
	s.mu.Unlock()
	s.bus.close()
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if s.bus.isStopped() {
		return "", ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return "", err
	}
	id, err := s.client.SendMessage(ctx, canonicalTo, body)
	if err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "error", err, "to", canonicalTo)
		s.bus.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusFailed, Time: s.now().Unix()})
		return "", err
	}
	s.bus.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, DeliveryID: id, Time: s.now().Unix()})
	return id, nil
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.bus.receipts
}

// Responses returns a channel of inbound messages.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.bus.responses
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Receipt:
		s.handleMessageReceipt(v)
	}
}

// messageText extracts plain text; other message kinds return "".
func messageText(evt *events.Message) string {
	if evt.Message == nil {
		return ""
	}
	if evt.Message.Conversation != nil {
		return *evt.Message.Conversation
	}
	if ext := evt.Message.ExtendedTextMessage; ext != nil && ext.Text != nil {
		return *ext.Text
	}
	return ""
}

func phoneFromUser(user string) string {
	if strings.HasPrefix(user, "+") {
		return user
	}
	return "+" + user
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	text := messageText(evt)
	if text == "" {
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}
	s.bus.emitResponse(models.Response{
		ID:   string(evt.Info.ID),
		From: phoneFromUser(evt.Info.Sender.User),
		Body: text,
		Time: evt.Info.Timestamp.Unix(),
	})
}

func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return
	}
	receipt := models.Receipt{
		To:     phoneFromUser(evt.MessageSource.Chat.User),
		Status: status,
		Time:   evt.Timestamp.Unix(),
	}
	if len(evt.MessageIDs) > 0 {
		receipt.DeliveryID = string(evt.MessageIDs[0])
	}
	s.bus.emitReceipt(receipt)
}
