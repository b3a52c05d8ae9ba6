// Пакет broadcast — рассылка изменений идентификаторов подписчикам
// через Redis Pub/Sub.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bigkaa/goezid/internal/domain/ezerr"
	"github.com/bigkaa/goezid/internal/domain/model"
)

// Message — сообщение об изменении идентификатора.
type Message struct {
	Seq        int64             `json:"seq"`
	Operation  model.Operation   `json:"operation"`
	Identifier string            `json:"identifier"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	Record     *model.Identifier `json:"record"`
}

// Config — параметры подключения к Redis.
type Config struct {
	Addr     string
	DB       int
	Password string
	Channel  string
}

// Publisher публикует сообщения в канал Redis.
type Publisher struct {
	rdb     *redis.Client
	channel string
	logger  *slog.Logger
}

// New создаёт Publisher. Подключение устанавливается лениво.
func New(cfg Config, logger *slog.Logger) *Publisher {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	return &Publisher{
		rdb:     rdb,
		channel: cfg.Channel,
		logger:  logger.With(slog.String("component", "broadcast")),
	}
}

// Publish отправляет сообщение. Ошибка Redis временная: строка
// очереди будет отправлена повторно.
func (p *Publisher) Publish(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("broadcast %s: %w", msg.Identifier, err)
	}
	n, err := p.rdb.Publish(ctx, p.channel, data).Result()
	if err != nil {
		return ezerr.Wrap(ezerr.RemoteTransient, err, "broadcast: публикация в %s", p.channel)
	}
	p.logger.Debug("Изменение разослано",
		slog.String("identifier", msg.Identifier),
		slog.Int64("seq", msg.Seq),
		slog.Int64("receivers", n),
	)
	return nil
}

// Ping проверяет соединение с Redis.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Close закрывает соединение.
func (p *Publisher) Close() error {
	return p.rdb.Close()
}
