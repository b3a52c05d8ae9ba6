package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/bigkaa/goezid/internal/domain/ezerr"
	"github.com/bigkaa/goezid/internal/domain/model"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPublisher_Publish(t *testing.T) {
	mr := miniredis.RunT(t)
	p := New(Config{Addr: mr.Addr(), Channel: "ezid.updates"}, testLogger())
	t.Cleanup(func() { p.Close() })

	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { sub.Close() })
	ctx := context.Background()
	ps := sub.Subscribe(ctx, "ezid.updates")
	if _, err := ps.Receive(ctx); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	msg := &Message{
		Seq:        7,
		Operation:  model.OpUpdate,
		Identifier: "ark:/99999/fk4abc",
		EnqueuedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Record:     &model.Identifier{ID: "ark:/99999/fk4abc", Status: model.StatusPublic, Target: "https://x"},
	}
	if err := p.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case m := <-ps.Channel():
		var got Message
		if err := json.Unmarshal([]byte(m.Payload), &got); err != nil {
			t.Fatalf("разбор сообщения: %v", err)
		}
		if got.Seq != 7 || got.Operation != model.OpUpdate || got.Record == nil || got.Record.Target != "https://x" {
			t.Errorf("сообщение = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("сообщение не получено")
	}
}

func TestPublisher_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	p := New(Config{Addr: mr.Addr(), Channel: "c"}, testLogger())
	t.Cleanup(func() { p.Close() })
	mr.Close()

	err := p.Publish(context.Background(), &Message{Identifier: "ark:/99999/fk4x"})
	if !ezerr.Is(err, ezerr.RemoteTransient) {
		t.Errorf("ошибка = %v, ожидался RemoteTransient", err)
	}
	if err := p.Ping(context.Background()); err == nil {
		t.Error("Ping: ожидалась ошибка")
	}
}
