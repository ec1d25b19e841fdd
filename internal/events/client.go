package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects for the extraction lifecycle.
const (
	SubjectRunCompleted = "liveagent.extract.completed"
	SubjectRunFailed    = "liveagent.extract.failed"
	SubjectRegistered   = "liveagent.extract.registered"
)

// RunEvent is the payload published when an extraction run finishes,
// successfully or not.
type RunEvent struct {
	RunID          string `json:"run_id,omitempty"`
	Kind           string `json:"kind"`
	Table          string `json:"table"`
	WindowCovered  string `json:"window_covered,omitempty"`
	RecordsFetched int    `json:"records_fetched"`
	RecordsWritten int    `json:"records_written"`
	SkippedRecords int    `json:"skipped_records"`
	Error          string `json:"error,omitempty"`
	Timestamp      string `json:"timestamp"`
}

type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

func (c *Client) Close() {
	c.conn.Close()
}
