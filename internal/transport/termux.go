// Package transport implements the SMS transports behind
// domain.Transport: the Termux:API bridge on Android and a Telegram bot
// used for development and testing.
package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"smsagent/internal/config"
	"smsagent/internal/domain"
)

const seenCacheMax = 2000

// Termux reads and sends SMS through the termux-sms-list and
// termux-sms-send command line tools from Termux:API.
type Termux struct {
	sendPath  string
	listPath  string
	timeout   time.Duration
	listLimit int
	logger    *slog.Logger

	mu        sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
	primed    bool
}

func NewTermux(cfg config.TermuxConfig, logger *slog.Logger) *Termux {
	sendPath := cfg.SendPath
	if sendPath == "" {
		sendPath = "termux-sms-send"
	}
	listPath := cfg.ListPath
	if listPath == "" {
		listPath = "termux-sms-list"
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limit := cfg.ListLimit
	if limit <= 0 {
		limit = 50
	}
	return &Termux{
		sendPath:  sendPath,
		listPath:  listPath,
		timeout:   timeout,
		listLimit: limit,
		logger:    logger,
		seen:      make(map[string]struct{}),
	}
}

func (t *Termux) Name() string { return "termux" }

// termuxSMS matches the termux-sms-list JSON output.
type termuxSMS struct {
	ThreadID int    `json:"threadid"`
	Type     string `json:"type"`
	Read     bool   `json:"read"`
	Number   string `json:"number"`
	Received string `json:"received"`
	Body     string `json:"body"`
}

// PollInbox lists recent inbox messages and returns the ones not seen
// before. The first poll only primes the seen set so old messages from
// before startup never get answered.
func (t *Termux) PollInbox(ctx context.Context) ([]domain.InboundMessage, error) {
	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, t.listPath, "-l", strconv.Itoa(t.listLimit), "-t", "inbox")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("termux-sms-list: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	var listed []termuxSMS
	if err := json.Unmarshal(stdout.Bytes(), &listed); err != nil {
		return nil, fmt.Errorf("parse termux-sms-list output: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fresh := make([]domain.InboundMessage, 0, len(listed))
	for _, sms := range listed {
		if sms.Type != "" && sms.Type != "inbox" {
			continue
		}
		key := dedupKey(sms.Number, sms.Received, sms.Body)
		if _, ok := t.seen[key]; ok {
			continue
		}
		t.remember(key)
		if !t.primed {
			continue
		}
		number := NormalizeNumber(sms.Number)
		fresh = append(fresh, domain.InboundMessage{
			ID:         uuid.NewString(),
			SenderID:   number,
			Body:       sms.Body,
			ReceivedAt: parseReceived(sms.Received),
			Transport:  t.Name(),
		})
		t.logger.Debug("inbound sms", "from", MaskNumber(number), "chars", len(sms.Body))
	}

	if !t.primed {
		t.primed = true
		t.logger.Info("sms backlog primed", "skipped", len(listed))
		return nil, nil
	}
	return fresh, nil
}

// Send delivers one SMS through termux-sms-send.
func (t *Termux) Send(ctx context.Context, recipientID, text string) error {
	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, t.sendPath, "-n", recipientID, text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("termux-sms-send to %s: %w (stderr: %s)", MaskNumber(recipientID), err, strings.TrimSpace(stderr.String()))
	}
	t.logger.Debug("sms sent", "to", MaskNumber(recipientID), "chars", len(text))
	return nil
}

func (t *Termux) remember(key string) {
	t.seen[key] = struct{}{}
	t.seenOrder = append(t.seenOrder, key)
	for len(t.seenOrder) > seenCacheMax {
		delete(t.seen, t.seenOrder[0])
		t.seenOrder = t.seenOrder[1:]
	}
}

func dedupKey(number, received, body string) string {
	sum := sha256.Sum256([]byte(number + "|" + received + "|" + body))
	return hex.EncodeToString(sum[:])
}

func parseReceived(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return ts
		}
	}
	return time.Now()
}

// NormalizeNumber strips formatting characters so the same sender always
// maps to the same recipient ID.
func NormalizeNumber(number string) string {
	var b strings.Builder
	for _, r := range number {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return strings.TrimSpace(number)
	}
	return b.String()
}

// MaskNumber hides all but the last four digits for log output.
func MaskNumber(number string) string {
	if len(number) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(number)-4) + number[len(number)-4:]
}
