package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/AsobaCloud/platform-edge/internal/invalidation"
	"github.com/AsobaCloud/platform-edge/internal/model"
)

type fakeInvalidator struct {
	failFirst atomic.Bool
	mu        sync.Mutex
	seen      []string
}

func (f *fakeInvalidator) Invalidate(_ context.Context, kind model.Kind, customerID string) error {
	f.mu.Lock()
	f.seen = append(f.seen, string(kind)+"/"+customerID)
	f.mu.Unlock()
	if f.failFirst.Load() {
		f.failFirst.Store(false)
		return errors.New("boom")
	}
	return nil
}

type sess struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *sess) Claims() map[string][]int32 { return nil }
func (s *sess) MemberID() string           { return "" }
func (s *sess) GenerationID() int32        { return 0 }
func (s *sess) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}
func (s *sess) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *sess) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *sess) Context() context.Context                         { return s.ctx }
func (s *sess) Errors() <-chan error                             { return nil }
func (s *sess) Commit()                                          {}

type claim struct {
	part int32
	msgs chan *sarama.ConsumerMessage
}

func (c *claim) Topic() string                            { return "model-updates" }
func (c *claim) Partition() int32                         { return c.part }
func (c *claim) InitialOffset() int64                     { return 0 }
func (c *claim) HighWaterMarkOffset() int64               { return 0 }
func (c *claim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func eventBytes(op, customer string) []byte {
	ev := invalidation.Event{
		Version: 1, Op: op, CustomerID: customer, TS: time.Now().UTC(),
		Source: "model-trainer",
	}
	b, _ := json.Marshal(ev)
	return b
}

func newConsumerForTest(inv *fakeInvalidator) *Consumer {
	cfg := Config{Brokers: []string{"x"}, Topic: "model-updates", GroupID: "g"}
	return New(cfg, slog.Default(), inv)
}

func TestSinglePartition_OrderAndCommitAfterWork(t *testing.T) {
	inv := &fakeInvalidator{}
	c := newConsumerForTest(inv)

	g := &groupHandler{process: c.ProcessOne}
	s := &sess{ctx: t.Context()}
	ch := make(chan *sarama.ConsumerMessage, 2)
	ch <- &sarama.ConsumerMessage{Topic: "model-updates", Partition: 0, Offset: 10, Value: eventBytes(invalidation.OpModelUpdated, "Sibaya")}
	ch <- &sarama.ConsumerMessage{Topic: "model-updates", Partition: 0, Offset: 11, Value: eventBytes(invalidation.OpDataUpdated, "Sibaya")}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}

	if len(s.marked) != 2 || s.marked[0] != 10 || s.marked[1] != 11 {
		t.Fatalf("marked offsets=%v want [10 11]", s.marked)
	}
	if len(inv.seen) != 2 || inv.seen[0] != "model/Sibaya" || inv.seen[1] != "data/Sibaya" {
		t.Fatalf("invalidations=%v", inv.seen)
	}
}

func TestRetry_CommitOnceAfterSuccess(t *testing.T) {
	inv := &fakeInvalidator{}
	inv.failFirst.Store(true)
	c := newConsumerForTest(inv)
	ctx := context.Background()

	msg := &sarama.ConsumerMessage{Topic: "model-updates", Partition: 0, Offset: 5, Value: eventBytes(invalidation.OpModelUpdated, "Sibaya")}
	if err := c.ProcessOne(ctx, msg); err == nil {
		t.Fatal("expected error on first attempt")
	}

	s := &sess{ctx: ctx}
	g := &groupHandler{process: c.ProcessOne}
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- msg
	close(ch)
	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim second attempt: %v", err)
	}
	if len(s.marked) != 1 || s.marked[0] != 5 {
		t.Fatalf("offset was not marked after success; marked=%v", s.marked)
	}
}

func TestProcessOne_RejectsMalformedEvents(t *testing.T) {
	inv := &fakeInvalidator{}
	c := newConsumerForTest(inv)

	bad := [][]byte{
		[]byte("{not json"),
		eventBytes("retrained", "Sibaya"),
		eventBytes(invalidation.OpModelUpdated, ""),
	}
	for i, val := range bad {
		msg := &sarama.ConsumerMessage{Topic: "model-updates", Offset: int64(i), Value: val}
		if err := c.ProcessOne(context.Background(), msg); err == nil {
			t.Errorf("message %d accepted, want rejection", i)
		}
	}
	if len(inv.seen) != 0 {
		t.Fatalf("invalidator called for malformed events: %v", inv.seen)
	}
}

func TestProcessOne_SkipsReplayedEvents(t *testing.T) {
	inv := &fakeInvalidator{}
	c := newConsumerForTest(inv)
	ctx := context.Background()

	val := eventBytes(invalidation.OpModelUpdated, "Sibaya")
	for off := int64(0); off < 3; off++ {
		msg := &sarama.ConsumerMessage{Topic: "model-updates", Offset: off, Value: val}
		if err := c.ProcessOne(ctx, msg); err != nil {
			t.Fatalf("offset %d: %v", off, err)
		}
	}
	if len(inv.seen) != 1 {
		t.Fatalf("invalidations=%v want exactly one apply", inv.seen)
	}
}

func TestMultiPartition_Parallel(t *testing.T) {
	inv := &fakeInvalidator{}
	c := newConsumerForTest(inv)
	g := &groupHandler{process: c.ProcessOne}

	s := &sess{ctx: t.Context()}

	p0 := make(chan *sarama.ConsumerMessage, 2)
	p1 := make(chan *sarama.ConsumerMessage, 2)
	p0 <- &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 1, Value: eventBytes(invalidation.OpModelUpdated, "Sibaya")}
	p0 <- &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 2, Value: eventBytes(invalidation.OpDataUpdated, "Sibaya")}
	p1 <- &sarama.ConsumerMessage{Topic: "t", Partition: 1, Offset: 1, Value: eventBytes(invalidation.OpModelUpdated, "Delta")}
	p1 <- &sarama.ConsumerMessage{Topic: "t", Partition: 1, Offset: 2, Value: eventBytes(invalidation.OpDataUpdated, "Delta")}
	close(p0)
	close(p1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = g.ConsumeClaim(s, &claim{part: 0, msgs: p0}) }()
	go func() { defer wg.Done(); _ = g.ConsumeClaim(s, &claim{part: 1, msgs: p1}) }()
	wg.Wait()

	if len(s.marked) != 4 {
		t.Fatalf("expected 4 marks total; got %v", s.marked)
	}
}
