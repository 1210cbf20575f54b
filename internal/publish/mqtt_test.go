package publish

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/shaunagostinho/tmsdash/internal/acquisition"
	"github.com/shaunagostinho/tmsdash/internal/stream"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	msgs         []published
	disconnected bool
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic: topic, payload: payload.([]byte)})
	return doneToken{}
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeClient) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func TestPublisherRoutesEvents(t *testing.T) {
	fc := &fakeClient{}
	p := New(fc, Config{Topic: "lab/tms"})

	sample := acquisition.Sample{Time: 250, T: [acquisition.Channels]float64{1, 2, 3, 4, 5, 6}}
	p.Notify(stream.Event{Kind: stream.EventSample, Sample: &sample})
	p.Notify(stream.Event{Kind: stream.EventConsole, Message: "request: GET"})
	p.Notify(stream.Event{Kind: stream.EventDone, Message: "DONE!"})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(stopped)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(fc.snapshot()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-stopped

	msgs := fc.snapshot()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].topic != "lab/tms/samples" {
		t.Fatalf("unexpected sample topic %q", msgs[0].topic)
	}
	var row map[string]float64
	if err := json.Unmarshal(msgs[0].payload, &row); err != nil {
		t.Fatalf("sample payload: %v", err)
	}
	if row["time"] != 250 || row["T6"] != 6 {
		t.Fatalf("unexpected sample payload %s", msgs[0].payload)
	}
	if msgs[1].topic != "lab/tms/events" {
		t.Fatalf("unexpected event topic %q", msgs[1].topic)
	}
	var ev stream.Event
	if err := json.Unmarshal(msgs[1].payload, &ev); err != nil {
		t.Fatalf("event payload: %v", err)
	}
	if ev.Kind != stream.EventDone {
		t.Fatalf("expected done event, got %q", ev.Kind)
	}
	if !fc.disconnected {
		t.Fatalf("expected disconnect on shutdown")
	}
}

func TestPublisherDropsWhenFull(t *testing.T) {
	p := New(&fakeClient{}, Config{QueueSize: 1})
	ev := stream.Event{Kind: stream.EventWarning, Message: "x"}
	p.Notify(ev)
	p.Notify(ev)
	p.Notify(ev)
	if p.Dropped() != 2 {
		t.Fatalf("expected 2 dropped, got %d", p.Dropped())
	}
	if p.Topic("events") != "tms/events" {
		t.Fatalf("unexpected default topic %q", p.Topic("events"))
	}
}
