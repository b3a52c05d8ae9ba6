package mailer

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// setupMockSMTP запускает минимальный SMTP-сервер без авторизации и
// возвращает канал с телами принятых писем.
func setupMockSMTP(t *testing.T) (string, int, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	bodies := make(chan string, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		reply := func(s string) { fmt.Fprintf(conn, "%s\r\n", s) }
		reply("220 localhost ESMTP")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				reply("250 localhost")
			case strings.HasPrefix(cmd, "DATA"):
				reply("354 go ahead")
				var b strings.Builder
				for {
					l, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if l == ".\r\n" {
						break
					}
					b.WriteString(l)
				}
				bodies <- b.String()
				reply("250 OK")
			case strings.HasPrefix(cmd, "QUIT"):
				reply("221 bye")
				return
			default:
				reply("250 OK")
			}
		}
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(port)
	return host, p, bodies
}

func TestSMTPSender_Send(t *testing.T) {
	host, port, bodies := setupMockSMTP(t)
	s := New(SMTPConfig{Host: host, Port: port, From: "ezid@example.org"}, testLogger())
	if _, ok := s.(*SMTPSender); !ok {
		t.Fatalf("New вернул %T, ожидался *SMTPSender", s)
	}

	err := s.Send(context.Background(), &Mail{
		To:      []string{"alice@example.org"},
		Subject: "Выгрузка готова",
		Text:    "https://ezid.example.org/download/abc.csv.gz",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	body := <-bodies
	for _, want := range []string{"ezid@example.org", "alice@example.org", "abc.csv.gz"} {
		if !strings.Contains(body, want) {
			t.Errorf("письмо не содержит %q:\n%s", want, body)
		}
	}
}

func TestNew_LogSender(t *testing.T) {
	s := New(SMTPConfig{}, testLogger())
	if _, ok := s.(*LogSender); !ok {
		t.Fatalf("New вернул %T, ожидался *LogSender", s)
	}
	if err := s.Send(context.Background(), &Mail{To: []string{"a@b"}}); err != nil {
		t.Errorf("Send: %v", err)
	}
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	_ = r.Send(context.Background(), &Mail{Subject: "s"})
	if got := r.Sent(); len(got) != 1 || got[0].Subject != "s" {
		t.Errorf("Sent = %v", got)
	}
}
