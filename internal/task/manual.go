package task

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pkgdepot/pkgdepot/pkg/redis"
)

// ManualSourceConfig tunes a ManualSource.
type ManualSourceConfig struct {
	Name    string
	Channel string // Redis pub/sub channel carrying trigger messages
}

// TriggerMessage is the JSON payload published on the trigger channel by the
// trigger CLI and by admin endpoints. Version may be empty for whole-package
// triggers such as bulk reindex sweeps. An empty Updated is stamped with
// receive time so manual triggers always supersede stored freshness.
type TriggerMessage struct {
	Package string    `json:"package"`
	Version string    `json:"version"`
	Updated time.Time `json:"updated,omitempty"`
}

// ManualSource forwards operator-published trigger messages from Redis
// pub/sub into the task stream. Malformed payloads are logged and dropped.
type ManualSource struct {
	cfg    ManualSourceConfig
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewManualSource creates a ManualSource.
func NewManualSource(cfg ManualSourceConfig, client *redis.Client) *ManualSource {
	return &ManualSource{
		cfg:    cfg,
		client: client,
		logger: slog.Default().With("component", "manual-source", "source", cfg.Name),
		now:    time.Now,
	}
}

func (s *ManualSource) Name() string { return s.cfg.Name }

// Run consumes the pub/sub channel until ctx is cancelled.
func (s *ManualSource) Run(ctx context.Context, out chan<- Task) error {
	sub := s.client.Subscribe(ctx, s.cfg.Channel)
	defer sub.Close()

	s.logger.Info("listening for manual triggers", "channel", s.cfg.Channel)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var trigger TriggerMessage
			if err := json.Unmarshal([]byte(msg.Payload), &trigger); err != nil {
				s.logger.Warn("dropping malformed trigger", "payload", msg.Payload, "error", err)
				continue
			}
			if trigger.Package == "" {
				s.logger.Warn("dropping incomplete trigger", "payload", msg.Payload)
				continue
			}
			if trigger.Updated.IsZero() {
				trigger.Updated = s.now()
			}
			t := Task{Package: trigger.Package, Version: trigger.Version, Updated: trigger.Updated}
			if !send(ctx, out, t) {
				return ctx.Err()
			}
		}
	}
}

// ChanSource adapts a plain channel into a Source, used by tests and by
// in-process components that inject tasks directly.
type ChanSource struct {
	name string
	ch   <-chan Task
}

// NewChanSource wraps ch as a Source.
func NewChanSource(name string, ch <-chan Task) *ChanSource {
	return &ChanSource{name: name, ch: ch}
}

func (s *ChanSource) Name() string { return s.name }

func (s *ChanSource) Run(ctx context.Context, out chan<- Task) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-s.ch:
			if !ok {
				return nil
			}
			if !send(ctx, out, t) {
				return ctx.Err()
			}
		}
	}
}
