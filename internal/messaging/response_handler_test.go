package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/Empathibot/internal/conversation"
	"github.com/BTreeMap/Empathibot/internal/models"
	"github.com/BTreeMap/Empathibot/internal/store"
	"github.com/BTreeMap/Empathibot/internal/testutil"
	"github.com/BTreeMap/Empathibot/internal/twiliowhatsapp"
)

type fakeProcessor struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeProcessor) ProcessMessage(ctx context.Context, identity, text string) (*conversation.TurnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, identity+"|"+text)
	if f.err != nil {
		return nil, f.err
	}
	return &conversation.TurnResult{UserID: "u_1", Reply: "echo: " + text}, nil
}

func (f *fakeProcessor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newHandler(t *testing.T, proc TurnProcessor, opts ...HandlerOption) (*ResponseHandler, *twiliowhatsapp.MockClient) {
	t.Helper()
	mock := twiliowhatsapp.NewMockClient()
	rh, err := NewResponseHandler(NewTwilioService(mock), proc, opts...)
	if err != nil {
		t.Fatalf("NewResponseHandler: %v", err)
	}
	return rh, mock
}

func TestResponseHandler_ProcessResponse_SendsReply(t *testing.T) {
	proc := &fakeProcessor{}
	rh, mock := newHandler(t, proc)

	err := rh.ProcessResponse(context.Background(), models.Response{From: "whatsapp:+15551234567", Body: "hi"})
	if err != nil {
		t.Fatalf("ProcessResponse returned error: %v", err)
	}
	if proc.calls[0] != "+15551234567|hi" {
		t.Errorf("expected canonical identity, got %q", proc.calls[0])
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].Body != "echo: hi" {
		t.Errorf("unexpected sent messages %+v", sent)
	}
}

func TestResponseHandler_ProcessResponse_FailureMessage(t *testing.T) {
	genErr := &models.GenerationError{Err: errors.New("timeout")}
	rh, mock := newHandler(t, &fakeProcessor{err: genErr}, WithFailureMessage("try again"))

	err := rh.ProcessResponse(context.Background(), models.Response{From: "+15551234567", Body: "hi"})
	var ge *models.GenerationError
	if !errors.As(err, &ge) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].Body != "try again" {
		t.Errorf("expected failure message, got %+v", sent)
	}
}

func TestResponseHandler_ProcessResponse_InvalidSender(t *testing.T) {
	proc := &fakeProcessor{}
	rh, _ := newHandler(t, proc)

	err := rh.ProcessResponse(context.Background(), models.Response{From: "abc", Body: "hi"})
	var ve *models.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if proc.count() != 0 {
		t.Error("processor should not run for an invalid sender")
	}
}

func TestResponseHandler_Dedup(t *testing.T) {
	proc := &fakeProcessor{}
	dedup := store.NewInMemoryStore()
	rh, mock := newHandler(t, proc, WithDedup(dedup))
	ctx := context.Background()

	msg := models.Response{ID: "SM1", From: "+15551234567", Body: "hi"}
	for i := 0; i < 3; i++ {
		if err := rh.ProcessResponse(ctx, msg); err != nil {
			t.Fatalf("ProcessResponse returned error: %v", err)
		}
	}
	if proc.count() != 1 {
		t.Errorf("expected 1 processed turn, got %d", proc.count())
	}
	if len(mock.Sent()) != 1 {
		t.Errorf("expected 1 reply, got %d", len(mock.Sent()))
	}
	dup, err := dedup.IsDuplicate(ctx, "SM1")
	if err != nil || !dup {
		t.Errorf("expected SM1 recorded, got dup=%v err=%v", dup, err)
	}

	// Messages without a provider id are never deduplicated.
	noID := models.Response{From: "+15551234567", Body: "again"}
	_ = rh.ProcessResponse(ctx, noID)
	_ = rh.ProcessResponse(ctx, noID)
	if proc.count() != 3 {
		t.Errorf("expected 3 processed turns, got %d", proc.count())
	}
}

func TestResponseHandler_StartConsumesUntilStop(t *testing.T) {
	proc := &fakeProcessor{}
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	rh, err := NewResponseHandler(svc, proc, WithMaxConcurrent(2))
	if err != nil {
		t.Fatalf("NewResponseHandler: %v", err)
	}
	rh.Start(context.Background())

	for i := 0; i < 5; i++ {
		svc.bus.emitResponse(models.Response{From: "+15551234567", Body: "msg"})
	}

	testutil.WaitFor(t, 2*time.Second, func() bool { return len(mock.Sent()) >= 5 })
	_ = svc.Stop()
	rh.Wait()

	if proc.count() != 5 {
		t.Fatalf("expected 5 processed turns, got %d", proc.count())
	}
	if len(mock.Sent()) != 5 {
		t.Errorf("expected 5 replies, got %d", len(mock.Sent()))
	}
}

func TestNewResponseHandler_RequiresCollaborators(t *testing.T) {
	if _, err := NewResponseHandler(nil, &fakeProcessor{}); err == nil {
		t.Error("expected error for nil service")
	}
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	if _, err := NewResponseHandler(svc, nil); err == nil {
		t.Error("expected error for nil processor")
	}
}
