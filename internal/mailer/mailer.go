// Пакет mailer — отправка служебных писем: уведомления о готовых
// выгрузках и о результатах регистрации в Crossref.
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"sync"

	"github.com/jordan-wright/email"
)

// Mail — письмо.
type Mail struct {
	To      []string
	Subject string
	Text    string
}

// Sender отправляет письма.
type Sender interface {
	Send(ctx context.Context, m *Mail) error
}

// SMTPConfig — параметры SMTP-сервера.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// New возвращает SMTP-отправителя или, если хост не задан,
// отправителя, который только журналирует письма.
func New(cfg SMTPConfig, logger *slog.Logger) Sender {
	logger = logger.With(slog.String("component", "mailer"))
	if cfg.Host == "" {
		return &LogSender{logger: logger}
	}
	return &SMTPSender{cfg: cfg, logger: logger}
}

// SMTPSender отправляет письма через SMTP.
type SMTPSender struct {
	cfg    SMTPConfig
	logger *slog.Logger
}

// Send отправляет письмо. Контекст проверяется только до отправки:
// net/smtp не поддерживает отмену.
func (s *SMTPSender) Send(ctx context.Context, m *Mail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := s.message(m)
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	if err := e.Send(addr, auth); err != nil {
		return fmt.Errorf("отправка письма %q: %w", m.Subject, err)
	}
	s.logger.Info("Письмо отправлено",
		slog.Any("to", m.To),
		slog.String("subject", m.Subject),
	)
	return nil
}

func (s *SMTPSender) message(m *Mail) *email.Email {
	e := email.NewEmail()
	e.From = s.cfg.From
	e.To = m.To
	e.Subject = m.Subject
	e.Text = []byte(m.Text)
	return e
}

// LogSender журналирует письма вместо отправки.
type LogSender struct {
	logger *slog.Logger
}

func (s *LogSender) Send(_ context.Context, m *Mail) error {
	s.logger.Info("SMTP не настроен, письмо не отправлено",
		slog.Any("to", m.To),
		slog.String("subject", m.Subject),
		slog.String("text", m.Text),
	)
	return nil
}

// Recorder запоминает письма. Используется в тестах.
type Recorder struct {
	mu   sync.Mutex
	sent []*Mail
	// Err возвращается из Send, если задан
	Err error
}

func (r *Recorder) Send(_ context.Context, m *Mail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	cp := *m
	r.sent = append(r.sent, &cp)
	return nil
}

// Sent возвращает отправленные письма.
func (r *Recorder) Sent() []*Mail {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Mail(nil), r.sent...)
}
