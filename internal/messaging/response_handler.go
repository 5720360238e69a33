package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/Empathibot/internal/conversation"
	"github.com/BTreeMap/Empathibot/internal/models"
	"github.com/BTreeMap/Empathibot/internal/store"
)

const (
	// DefaultMaxConcurrent bounds how many inbound messages are processed at once.
	DefaultMaxConcurrent = 8
	// DefaultFailureMessage is sent when a turn cannot be completed.
	DefaultFailureMessage = "I'm sorry, I'm having trouble responding right now. Please try again in a moment."
)

// TurnProcessor runs one conversation turn for an inbound message.
type TurnProcessor interface {
	ProcessMessage(ctx context.Context, identity, text string) (*conversation.TurnResult, error)
}

var _ TurnProcessor = (*conversation.Orchestrator)(nil)

// HandlerOpts configures a ResponseHandler.
type HandlerOpts struct {
	MaxConcurrent  int
	FailureMessage string
	Dedup          store.DedupRepo
}

// HandlerOption defines a configuration option for ResponseHandler.
type HandlerOption func(*HandlerOpts)

// WithMaxConcurrent sets the worker limit. Values below 1 are ignored.
func WithMaxConcurrent(n int) HandlerOption {
	return func(o *HandlerOpts) {
		if n > 0 {
			o.MaxConcurrent = n
		}
	}
}

// WithFailureMessage overrides the generic retry message.
func WithFailureMessage(msg string) HandlerOption {
	return func(o *HandlerOpts) { o.FailureMessage = msg }
}

// WithDedup drops inbound messages whose provider id was already recorded.
func WithDedup(repo store.DedupRepo) HandlerOption {
	return func(o *HandlerOpts) { o.Dedup = repo }
}

// ResponseHandler consumes a service's inbound messages, runs a turn for each
// and sends the reply back through the same service.
type ResponseHandler struct {
	msgService Service
	processor  TurnProcessor
	dedup      store.DedupRepo
	failureMsg string
	limit      int

	wg sync.WaitGroup
}

// NewResponseHandler wires a messaging service to a turn processor.
func NewResponseHandler(msgService Service, processor TurnProcessor, opts ...HandlerOption) (*ResponseHandler, error) {
	if msgService == nil {
		return nil, errors.New("messaging service is required")
	}
	if processor == nil {
		return nil, errors.New("turn processor is required")
	}
	cfg := HandlerOpts{MaxConcurrent: DefaultMaxConcurrent, FailureMessage: DefaultFailureMessage}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ResponseHandler{
		msgService: msgService,
		processor:  processor,
		dedup:      cfg.Dedup,
		failureMsg: cfg.FailureMessage,
		limit:      cfg.MaxConcurrent,
	}, nil
}

// Start launches the inbound and receipt loops. They exit when ctx is done
// or the service closes its channels; Wait blocks until then.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler.Start: processing inbound messages", "max_concurrent", rh.limit)
	rh.wg.Add(2)
	go func() {
		defer rh.wg.Done()
		rh.consumeResponses(ctx)
	}()
	go func() {
		defer rh.wg.Done()
		rh.consumeReceipts(ctx)
	}()
}

// Wait blocks until both loops and all in-flight turns have finished.
func (rh *ResponseHandler) Wait() {
	rh.wg.Wait()
}

func (rh *ResponseHandler) consumeResponses(ctx context.Context) {
	g := new(errgroup.Group)
	g.SetLimit(rh.limit)
	defer func() {
		_ = g.Wait()
		slog.Info("ResponseHandler stopped response processing")
	}()

	responses := rh.msgService.Responses()
	for {
		select {
		case response, ok := <-responses:
			if !ok {
				slog.Debug("ResponseHandler responses channel closed")
				return
			}
			// Go blocks once the limit is reached, which back-pressures the channel.
			g.Go(func() error {
				if err := rh.ProcessResponse(ctx, response); err != nil {
					slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
				}
				return nil
			})
		case <-ctx.Done():
			return
		}
	}
}

func (rh *ResponseHandler) consumeReceipts(ctx context.Context) {
	receipts := rh.msgService.Receipts()
	for {
		select {
		case r, ok := <-receipts:
			if !ok {
				return
			}
			slog.Debug("ResponseHandler receipt", "to", r.To, "status", r.Status, "delivery_id", r.DeliveryID)
		case <-ctx.Done():
			return
		}
	}
}

// ProcessResponse runs a single inbound message through the turn processor.
// Duplicates (by provider message id) are dropped silently.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	from, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		return &models.ValidationError{Field: "identity", Err: err}
	}

	if rh.dedup != nil && response.ID != "" {
		fresh, err := rh.dedup.RecordInbound(ctx, response.ID, from)
		switch {
		case err != nil:
			slog.Warn("ResponseHandler.ProcessResponse: dedup check failed, processing anyway", "error", err, "message_id", response.ID)
		case !fresh:
			slog.Info("ResponseHandler.ProcessResponse: duplicate message dropped", "message_id", response.ID, "from", from)
			return nil
		}
	}

	result, err := rh.processor.ProcessMessage(ctx, from, response.Body)
	if err != nil {
		if _, sendErr := rh.msgService.SendMessage(ctx, from, rh.failureMsg); sendErr != nil {
			slog.Error("ResponseHandler failed to send failure message", "error", sendErr, "from", from)
		}
		return err
	}

	if _, err := rh.msgService.SendMessage(ctx, from, result.Reply); err != nil {
		return err
	}

	if rh.dedup != nil && response.ID != "" {
		if err := rh.dedup.MarkProcessed(ctx, response.ID); err != nil {
			slog.Warn("ResponseHandler.ProcessResponse: mark processed failed", "error", err, "message_id", response.ID)
		}
	}
	slog.Info("ResponseHandler.ProcessResponse: reply sent", "from", from, "user_id", result.UserID, "escalated", result.Escalated)
	return nil
}
