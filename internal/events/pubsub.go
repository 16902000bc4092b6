// Package events publishes committed ledger events and payout instructions
// to NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"meshledger/internal/ledger"
)

// Config holds configuration for the JetStream publisher
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	// Maximum age of messages in the stream
	MaxAge time.Duration
	// Storage type (file or memory)
	StorageType nats.StorageType
	// Window in which a repeated Nats-Msg-Id is dropped by the server
	DuplicateWindow time.Duration
	// Events buffered for publishing before Notify starts refusing them
	Backlog int
	// Time allowed for one publish acknowledgement
	PublishTimeout time.Duration
}

const (
	defaultBacklog        = 1024
	defaultPublishTimeout = 5 * time.Second
)

// ErrBacklogFull is returned by Notify when the publish queue is full
var ErrBacklogFull = errors.New("event backlog full")

var errClosed = errors.New("publisher closed")

// publisher is the part of nats.JetStreamContext used here
type publisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// PubSub publishes ledger events on <prefix>.events.<type> and payout
// instructions on <prefix>.payouts.<reason>. Events are queued by Notify and
// published in sequence order by a single goroutine, so a slow stream never
// holds up the ledger.
type PubSub struct {
	nc  *nats.Conn
	js  publisher
	cfg Config
	log *log.Entry

	mu     sync.RWMutex
	closed bool
	queue  chan queued
	done   chan struct{}
}

type queued struct {
	msg *nats.Msg
	id  string
}

// Connect dials NATS and makes sure the ledger stream exists
func Connect(cfg Config) (*PubSub, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("meshledger"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err := js.StreamInfo(cfg.Stream); errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:       cfg.Stream,
			Subjects:   []string{cfg.SubjectPrefix + ".>"},
			MaxAge:     cfg.MaxAge,
			Storage:    cfg.StorageType,
			Duplicates: cfg.DuplicateWindow,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
	} else if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to look up stream: %w", err)
	}

	p := newPubSub(js, cfg)
	p.nc = nc
	return p, nil
}

func newPubSub(js publisher, cfg Config) *PubSub {
	if cfg.Backlog <= 0 {
		cfg.Backlog = defaultBacklog
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	p := &PubSub{
		js:    js,
		cfg:   cfg,
		log:   log.WithField("component", "events"),
		queue: make(chan queued, cfg.Backlog),
		done:  make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *PubSub) run() {
	defer close(p.done)
	for q := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
		_, err := p.js.PublishMsg(q.msg, nats.MsgId(q.id), nats.Context(ctx))
		cancel()
		if err != nil {
			p.log.WithError(err).WithField("subject", q.msg.Subject).Warn("Failed to publish ledger event")
		}
	}
}

// Notify queues e for publishing and returns without waiting for the stream.
// It implements ledger.Notifier.
func (p *PubSub) Notify(_ context.Context, e ledger.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	msg := &nats.Msg{
		Subject: p.cfg.SubjectPrefix + ".events." + string(e.Type),
		Data:    data,
		Header: nats.Header{
			"Type": []string{string(e.Type)},
			"Seq":  []string{strconv.FormatUint(e.Seq, 10)},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errClosed
	}
	select {
	case p.queue <- queued{msg: msg, id: "event-" + strconv.FormatUint(e.Seq, 10)}:
		return nil
	default:
		return fmt.Errorf("%w: dropped event %d", ErrBacklogFull, e.Seq)
	}
}

// Close publishes whatever is still queued, then closes the NATS connection
func (p *PubSub) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done

	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}
