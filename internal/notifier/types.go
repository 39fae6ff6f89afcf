package notifier

import (
	"net"
	"strconv"
	"time"

	"duewatch/internal/engine"
)

// Config controls the async email pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SMTP          SMTPConfig
}

// SMTPConfig is the outbound mail relay. Username empty means no auth.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

func (c SMTPConfig) addr() string {
	port := c.Port
	if port <= 0 {
		port = 587
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Email is one outbound message.
type Email struct {
	To       string
	Subject  string
	Body     string
	Severity engine.RiskTier
}

// EmailEvent is emitted on the event bus for delivery lifecycle events.
type EmailEvent struct {
	To       string    `json:"to"`
	Subject  string    `json:"subject"`
	Severity string    `json:"severity,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
