// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"sync"
	"time"
)

// Mail is one queued notification.
type Mail struct {
	To, Subject, Body string
}

// SMTPConfig configures the outgoing relay. No ecosystem SMTP client
// appears anywhere in the retrieved corpus, so this one concern is
// built on net/smtp directly.
type SMTPConfig struct {
	Host, Port string
	From       string
}

// Mailer accumulates pending mail in memory and flushes it as one
// batched message per recipient on a ticker or on shutdown, so a
// workflow emitting many task-failure events doesn't open an SMTP
// connection per event.
type Mailer struct {
	cfg    SMTPConfig
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string][]Mail // recipient -> queued mails

	ticker *time.Ticker
	stop   chan struct{}
	done   chan struct{}
}

// NewMailer constructs a Mailer and starts its flush ticker at the
// given batch interval (spec default PT5M).
func NewMailer(cfg SMTPConfig, batchInterval time.Duration, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	if batchInterval <= 0 {
		batchInterval = 5 * time.Minute
	}
	m := &Mailer{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string][]Mail),
		ticker:  time.NewTicker(batchInterval),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.loop()
	return m
}

// Queue adds mail to its recipient's pending batch.
func (m *Mailer) Queue(mail Mail) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[mail.To] = append(m.pending[mail.To], mail)
}

func (m *Mailer) loop() {
	defer close(m.done)
	for {
		select {
		case <-m.ticker.C:
			m.flush()
		case <-m.stop:
			m.flush()
			return
		}
	}
}

// flush sends one batched message per recipient with pending mail.
func (m *Mailer) flush() {
	m.mu.Lock()
	batch := m.pending
	m.pending = make(map[string][]Mail)
	m.mu.Unlock()

	for to, mails := range batch {
		if len(mails) == 0 {
			continue
		}
		if err := m.send(to, mails); err != nil {
			m.logger.Warn("mail batch send failed", "to", to, "count", len(mails), "error", err)
		}
	}
}

func (m *Mailer) send(to string, mails []Mail) error {
	var body strings.Builder
	subject := mails[0].Subject
	if len(mails) > 1 {
		subject = fmt.Sprintf("%s (+%d more)", subject, len(mails)-1)
	}
	for _, mail := range mails {
		fmt.Fprintf(&body, "%s\n%s\n\n", mail.Subject, mail.Body)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", m.cfg.From, to, subject, body.String())
	addr := fmt.Sprintf("%s:%s", m.cfg.Host, m.cfg.Port)
	return smtp.SendMail(addr, nil, m.cfg.From, []string{to}, []byte(msg))
}

// Close stops the flush ticker and sends any remaining pending mail.
func (m *Mailer) Close() {
	close(m.stop)
	<-m.done
	m.ticker.Stop()
}
