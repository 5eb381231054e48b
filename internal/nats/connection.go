// Package nats owns the NATS connection run events are published on.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ConnectionConfig describes how to reach the event bus and where run
// events go once connected.
type ConnectionConfig struct {
	URL  string
	Name string

	// Auth: a credentials file wins over a token, a token over user/password.
	CredentialsFile string
	Token           string
	Username        string
	Password        string

	// MaxReconnects of -1 reconnects forever.
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration

	// Subject is the prefix events land under: <Subject>.<stage>.<type>.
	Subject string

	// PublishMaxRetries bounds publish attempts for a single event.
	PublishMaxRetries int
}

// DefaultConnectionConfig returns the settings used by the CLI.
func DefaultConnectionConfig(url string) *ConnectionConfig {
	return &ConnectionConfig{
		URL:               url,
		Name:              "subtimizer",
		MaxReconnects:     10,
		ReconnectWait:     2 * time.Second,
		Timeout:           5 * time.Second,
		Subject:           "subtimizer",
		PublishMaxRetries: 3,
	}
}

// Validate checks the config before any network traffic happens.
func (c *ConnectionConfig) Validate() error {
	if c == nil {
		return errors.New("nats: connection config is nil")
	}
	if c.URL == "" {
		return errors.New("nats: url is required")
	}
	if c.PublishMaxRetries < 1 {
		return fmt.Errorf("nats: publish retries must be at least 1, got %d", c.PublishMaxRetries)
	}
	return validSubjectPrefix(c.Subject)
}

// validSubjectPrefix rejects wildcards and empty tokens; events are
// published on literal subjects only.
func validSubjectPrefix(subject string) error {
	if subject == "" {
		return errors.New("nats: subject is required")
	}
	for _, tok := range strings.Split(subject, ".") {
		switch {
		case tok == "":
			return fmt.Errorf("nats: subject %q has an empty token", subject)
		case tok == "*" || tok == ">":
			return fmt.Errorf("nats: subject %q must not contain wildcards", subject)
		case strings.ContainsAny(tok, " \t\r\n"):
			return fmt.Errorf("nats: subject %q must not contain whitespace", subject)
		}
	}
	return nil
}

func (c *ConnectionConfig) options(timeout time.Duration, logger *zap.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name(c.Name),
		nats.MaxReconnects(c.MaxReconnects),
		nats.ReconnectWait(c.ReconnectWait),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Event bus disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Event bus reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug("Event bus connection closed")
		}),
	}
	switch {
	case c.CredentialsFile != "":
		opts = append(opts, nats.UserCredentials(c.CredentialsFile))
	case c.Token != "":
		opts = append(opts, nats.Token(c.Token))
	case c.Username != "":
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}
	return opts
}

// Connect dials the server. The dial timeout is shortened to the context
// deadline when that comes first; a connection that completes after ctx
// is done is closed.
func Connect(ctx context.Context, config *ConnectionConfig, logger *zap.Logger) (*nats.Conn, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("nats: connect to %s: %w", config.URL, err)
	}

	timeout := config.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); timeout <= 0 || left < timeout {
			timeout = left
		}
	}

	type dialed struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan dialed, 1)
	go func() {
		conn, err := nats.Connect(config.URL, config.options(timeout, logger)...)
		done <- dialed{conn, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if d := <-done; d.conn != nil {
				d.conn.Close()
			}
		}()
		return nil, fmt.Errorf("nats: connect to %s: %w", config.URL, ctx.Err())
	case d := <-done:
		if d.err != nil {
			return nil, fmt.Errorf("nats: connect to %s: %w", config.URL, d.err)
		}
		logger.Info("Connected to event bus",
			zap.String("url", d.conn.ConnectedUrl()),
			zap.String("subject", config.Subject))
		return d.conn, nil
	}
}

// Close drains conn so buffered events reach the server. Nil is a no-op.
func Close(conn *nats.Conn) error {
	if conn == nil || conn.IsClosed() {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("nats: drain: %w", err)
	}
	return nil
}

// IsConnected reports whether conn is usable right now.
func IsConnected(conn *nats.Conn) bool {
	return conn != nil && conn.IsConnected()
}
