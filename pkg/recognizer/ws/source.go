package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cclavio/earshot/pkg/errorsx"
	"github.com/cclavio/earshot/pkg/events"
	"github.com/cclavio/earshot/pkg/logging"
	"github.com/cclavio/earshot/pkg/recognizer"
)

// Config for the websocket recognition feed from the wearable hub.
type Config struct {
	URL            string
	PingInterval   time.Duration
	ReconnectMax   int
	ReconnectDelay time.Duration
}

// wireMessage is one JSON message on the hub feed.
type wireMessage struct {
	Type      string `json:"type"` // "speech" | "attach" | "detach"
	SessionID string `json:"session_id"`
	Text      string `json:"text,omitempty"`
	IsFinal   bool   `json:"is_final,omitempty"`
	SpeakerID string `json:"speaker_id,omitempty"`
}

// Source subscribes to the hub's recognition-event feed over a websocket.
// The hub performs speech-to-text; this source only decodes events.
type Source struct {
	cfg    Config
	out    chan recognizer.Signal
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	logger *slog.Logger
}

func New(cfg Config) *Source {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 5
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 500 * time.Millisecond
	}
	return &Source{
		cfg:    cfg,
		out:    make(chan recognizer.Signal, 256),
		logger: logging.NewComponentLogger(slog.Default(), "ws_recognizer"),
	}
}

func (s *Source) Name() string { return "ws" }

func (s *Source) Events() <-chan recognizer.Signal { return s.out }

func (s *Source) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	conn, err := s.dial()
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonRecognizerConnect)
	}
	s.logger.Info("hub_connected", slog.String("url", s.cfg.URL))
	go s.readLoop(conn)
	return nil
}

func (s *Source) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.closed.CompareAndSwap(false, true) {
		close(s.out)
	}
	return nil
}

func (s *Source) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(s.ctx, s.cfg.URL, nil)
	return conn, err
}

func (s *Source) readLoop(conn *websocket.Conn) {
	defer func() { _ = s.Close() }()

	for {
		if s.ctx.Err() != nil {
			_ = conn.Close()
			return
		}
		stopPing := s.startPing(conn)
		err := s.consume(conn)
		stopPing()
		_ = conn.Close()
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("hub_read_error", slog.String("error", err.Error()))

		conn = s.reconnect()
		if conn == nil {
			return
		}
	}
}

func (s *Source) consume(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("hub_decode_error",
				slog.String("error", err.Error()),
				slog.String("reason", string(errorsx.ReasonRecognizerDecode)))
			continue
		}
		sig, ok := toSignal(msg)
		if !ok {
			continue
		}
		select {
		case s.out <- sig:
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
}

func (s *Source) startPing(conn *websocket.Conn) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(2*time.Second))
			}
		}
	}()
	return func() { close(done) }
}

// reconnect retries the dial with linear backoff, returning nil when the
// budget is exhausted or the source is shutting down.
func (s *Source) reconnect() *websocket.Conn {
	for attempt := 1; attempt <= s.cfg.ReconnectMax; attempt++ {
		select {
		case <-s.ctx.Done():
			return nil
		case <-time.After(time.Duration(attempt) * s.cfg.ReconnectDelay):
		}
		conn, err := s.dial()
		if err == nil {
			s.logger.Info("hub_reconnected", slog.Int("attempt", attempt))
			return conn
		}
		s.logger.Warn("hub_reconnect_failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
	s.logger.Error("hub_reconnect_exhausted", slog.Int("attempts", s.cfg.ReconnectMax))
	return nil
}

func toSignal(msg wireMessage) (recognizer.Signal, bool) {
	if msg.SessionID == "" {
		return recognizer.Signal{}, false
	}
	switch msg.Type {
	case "attach":
		return recognizer.Signal{Kind: recognizer.KindAttach, SessionID: msg.SessionID}, true
	case "detach":
		return recognizer.Signal{Kind: recognizer.KindDetach, SessionID: msg.SessionID}, true
	case "speech":
		return recognizer.Signal{
			Kind:      recognizer.KindSpeech,
			SessionID: msg.SessionID,
			Event: events.RecognitionEvent{
				Text:       msg.Text,
				IsFinal:    msg.IsFinal,
				SpeakerID:  msg.SpeakerID,
				ReceivedAt: time.Now(),
			},
		}, true
	default:
		return recognizer.Signal{}, false
	}
}

var _ recognizer.Source = (*Source)(nil)
