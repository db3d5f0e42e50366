package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/recette/ingest/internal/model"
	"github.com/hazyhaar/recette/observability"
)

func sampleEvent(task string, progress int) model.Event {
	return model.Event{
		Type:     model.EventTypeProgress,
		TaskID:   task,
		Phase:    model.PhaseFetch,
		Progress: progress,
		Status:   model.StatusRunning,
		At:       time.UnixMilli(1_700_000_000_000),
	}
}

func TestFanout_JoinsErrors(t *testing.T) {
	var mem Memory
	boom := errors.New("sink down")
	f := Fanout{
		Func(func(context.Context, model.Event) error { return boom }),
		nil,
		&mem,
	}
	err := f.Publish(context.Background(), sampleEvent("tsk_1", 10))

	// WHAT: the failing sink is reported and the next sink still receives.
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if len(mem.Events("tsk_1")) != 1 {
		t.Fatal("memory sink skipped")
	}
}

func TestOutbox_RoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := observability.Init(db); err != nil {
		t.Fatal(err)
	}
	ob := NewOutbox(observability.NewEventLog(db))
	ctx := context.Background()

	for _, p := range []int{10, 40} {
		if err := ob.Publish(ctx, sampleEvent("tsk_1", p)); err != nil {
			t.Fatal(err)
		}
	}
	ob.Publish(ctx, sampleEvent("tsk_2", 5))

	evs, cursor, err := ob.Since(ctx, "tsk_1", 0, 10)
	if err != nil || len(evs) != 2 {
		t.Fatalf("since = %d, %v", len(evs), err)
	}
	if evs[1].Progress != 40 || evs[1].Phase != model.PhaseFetch || evs[1].Status != model.StatusRunning {
		t.Fatalf("event = %+v", evs[1])
	}
	if !evs[0].At.Equal(time.UnixMilli(1_700_000_000_000)) {
		t.Fatalf("at = %v", evs[0].At)
	}

	// WHAT: polling from the returned cursor yields nothing new.
	more, next, _ := ob.Since(ctx, "tsk_1", cursor, 10)
	if len(more) != 0 || next != cursor {
		t.Fatalf("more = %+v next = %d", more, next)
	}
}

func TestKafka_Publish(t *testing.T) {
	p := mocks.NewSyncProducer(t, SaramaConfig(KafkaConfig{}))
	p.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		if string(key) != "tsk_9" {
			t.Errorf("key = %q", key)
		}
		if msg.Topic != "ingest.progress" {
			t.Errorf("topic = %q", msg.Topic)
		}
		raw, _ := msg.Value.Encode()
		var ev model.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		if ev.Progress != 55 || ev.Type != model.EventTypeProgress {
			t.Errorf("value = %+v", ev)
		}
		return nil
	})
	p.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	k := NewKafkaWithProducer(p, "", nil)
	if err := k.Publish(context.Background(), sampleEvent("tsk_9", 55)); err != nil {
		t.Fatal(err)
	}
	err := k.Publish(context.Background(), sampleEvent("tsk_9", 60))
	if err == nil || !strings.Contains(err.Error(), "tsk_9") {
		t.Fatalf("failed send: %v", err)
	}
	if err := k.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestKafka_CancelledContext(t *testing.T) {
	p := mocks.NewSyncProducer(t, SaramaConfig(KafkaConfig{}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// WHAT: a cancelled context sends nothing.
	// WHY: the mock fails the test on an unexpected SendMessage.
	if err := NewKafkaWithProducer(p, "t", nil).Publish(ctx, sampleEvent("x", 1)); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	p.Close()
}

func TestSaramaConfig(t *testing.T) {
	sc := SaramaConfig(KafkaConfig{ClientID: "svc"})
	if sc.Producer.RequiredAcks != sarama.WaitForAll || !sc.Producer.Return.Successes || sc.ClientID != "svc" {
		t.Fatalf("config = %+v", sc.Producer)
	}
	if err := sc.Validate(); err != nil {
		t.Fatal(err)
	}
	if _, err := NewKafka(KafkaConfig{}, nil); err == nil {
		t.Fatal("no brokers accepted")
	}
}
