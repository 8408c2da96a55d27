package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WessleyAI/slabsearch/engine/card"
	"github.com/WessleyAI/slabsearch/pkg/natsutil"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	ns.Start()
	if !ns.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("nats connect: %v", err)
	}
	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
	})
	return nc
}

type fakeIngester struct {
	err error

	mu   sync.Mutex
	reqs []Request
}

func (f *fakeIngester) Ingest(_ context.Context, req Request) (card.Stored, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return card.Stored{}, f.err
	}
	return card.Stored{ID: "card_1_abc", Card: req.Card}, nil
}

func (f *fakeIngester) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func publishJob(t *testing.T, nc *nats.Conn, retries int) {
	t.Helper()
	data, _ := json.Marshal(Job{Card: card.Attributes{PlayerName: "Larry Bird"}, ImageURL: "http://img/bird.jpg"})
	msg := nats.NewMsg(IngestSubject)
	msg.Data = data
	if retries > 0 {
		msg.Header.Set(natsutil.RetryHeader, fmt.Sprint(retries))
	}
	if err := nc.PublishMsg(msg); err != nil {
		t.Fatal(err)
	}
	nc.Flush()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestStartConsumer_Success(t *testing.T) {
	nc := startNATS(t)
	ing := &fakeIngester{}

	sub, err := StartConsumer(nc, ing, nil)
	if err != nil {
		t.Fatalf("StartConsumer: %v", err)
	}
	defer sub.Unsubscribe()

	publishJob(t, nc, 0)
	waitFor(t, func() bool { return ing.calls() == 1 })

	req := ing.reqs[0]
	if req.Card.PlayerName != "Larry Bird" || req.Image.URL != "http://img/bird.jpg" || req.ImageURL != req.Image.URL {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestStartConsumer_RetryRepublish(t *testing.T) {
	nc := startNATS(t)
	ing := &fakeIngester{err: errors.New("qdrant down")}

	dlq := make(chan *nats.Msg, 1)
	dsub, _ := nc.ChanSubscribe(DLQSubject, dlq)
	defer dsub.Unsubscribe()

	sub, err := StartConsumer(nc, ing, nil)
	if err != nil {
		t.Fatalf("StartConsumer: %v", err)
	}
	defer sub.Unsubscribe()

	publishJob(t, nc, 0)

	select {
	case msg := <-dlq:
		var m dlqMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			t.Fatal(err)
		}
		if m.Retries != MaxRetries || m.Job.Card.PlayerName != "Larry Bird" {
			t.Fatalf("unexpected DLQ message: %+v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected DLQ message")
	}
	if ing.calls() != MaxRetries {
		t.Fatalf("attempts = %d, want %d", ing.calls(), MaxRetries)
	}
}

func TestStartConsumer_ValidationGoesStraightToDLQ(t *testing.T) {
	nc := startNATS(t)
	ing := &fakeIngester{err: card.NewValidationError("playerName", "", card.ErrMissingPlayer)}

	dlq := make(chan *nats.Msg, 1)
	dsub, _ := nc.ChanSubscribe(DLQSubject, dlq)
	defer dsub.Unsubscribe()

	var hooked atomic.Int32
	sub, err := StartConsumer(nc, ing, nil, WithDeadLetterHook(func(Job, error) { hooked.Add(1) }))
	if err != nil {
		t.Fatalf("StartConsumer: %v", err)
	}
	defer sub.Unsubscribe()

	publishJob(t, nc, 0)

	select {
	case <-dlq:
	case <-time.After(2 * time.Second):
		t.Fatal("expected DLQ message")
	}
	if ing.calls() != 1 {
		t.Fatalf("validation failures must not be retried, attempts = %d", ing.calls())
	}
	waitFor(t, func() bool { return hooked.Load() == 1 })
}

func TestStartConsumer_InvalidJSON(t *testing.T) {
	nc := startNATS(t)
	ing := &fakeIngester{}

	sub, err := StartConsumer(nc, ing, nil)
	if err != nil {
		t.Fatalf("StartConsumer: %v", err)
	}
	defer sub.Unsubscribe()

	nc.Publish(IngestSubject, []byte("not json"))
	nc.Flush()
	time.Sleep(100 * time.Millisecond)
	if ing.calls() != 0 {
		t.Fatal("malformed job must be dropped")
	}
}

func TestNATSEvents_PublishIngested(t *testing.T) {
	nc := startNATS(t)
	ch := make(chan *nats.Msg, 1)
	sub, _ := nc.ChanSubscribe(IngestedSubject, ch)
	defer sub.Unsubscribe()

	ev := IngestedEvent{CardID: "card_1_abc", PlayerName: "Larry Bird", CreatedAt: fixedNow}
	if err := NewNATSEvents(nc).PublishIngested(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-ch:
		var got IngestedEvent
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatal(err)
		}
		if got.CardID != ev.CardID || !got.CreatedAt.Equal(ev.CreatedAt) {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
}
