package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/cclavio/earshot/pkg/errorsx"
	"github.com/cclavio/earshot/pkg/events"
	"github.com/cclavio/earshot/pkg/logging"
	"github.com/cclavio/earshot/pkg/recognizer"
)

// Config for the Deepgram live-transcription source. The device microphone
// audio is forwarded to Deepgram; transcripts come back as recognition
// events for a single fixed session.
type Config struct {
	APIKey         string
	SessionID      string
	Model          string
	Language       string
	SampleRate     int
	Encoding       string
	Interim        bool
	UtteranceEndMS int
}

// Source adapts Deepgram's live websocket API to the recognizer boundary.
// Speech-to-text itself happens on Deepgram's side; this source only converts
// its callbacks into RecognitionEvents.
type Source struct {
	cfg        Config
	out        chan recognizer.Signal
	ctx        context.Context
	cancel     context.CancelFunc
	dgClient   *client.WSCallback
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	closed     atomic.Bool
	metaLogged bool
	logger     *slog.Logger
}

func New(cfg Config) *Source {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "device"
	}
	return &Source{
		cfg:    cfg,
		out:    make(chan recognizer.Signal, 256),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_recognizer"),
	}
}

func (s *Source) Name() string { return "deepgram" }

func (s *Source) Events() <-chan recognizer.Signal { return s.out }

func (s *Source) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		InterimResults: s.cfg.Interim,
		SmartFormat:    true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
	}

	s.logger.Info("initializing deepgram connection",
		slog.String("session_id", s.cfg.SessionID),
		slog.String("model", s.cfg.Model),
		slog.Int("sample_rate", s.cfg.SampleRate))

	cb := &callback{parent: s}
	dgClient, err := client.NewWSUsingCallback(s.ctx, s.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonRecognizerConnect)
	}
	s.dgClient = dgClient

	if connected := s.dgClient.Connect(); !connected {
		return errorsx.Wrap(fmt.Errorf("deepgram connection failed"), errorsx.ReasonRecognizerConnect)
	}
	s.logger.Info("deepgram_connected", slog.String("session_id", s.cfg.SessionID))

	s.emit(recognizer.Signal{Kind: recognizer.KindAttach, SessionID: s.cfg.SessionID})

	go func() {
		if err := s.dgClient.Stream(s.pipeReader); err != nil && s.ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("session_id", s.cfg.SessionID))
		}
	}()
	return nil
}

// SendAudio forwards raw device microphone audio to Deepgram.
func (s *Source) SendAudio(data []byte) error {
	if s.pipeWriter == nil {
		return fmt.Errorf("not started")
	}
	_, err := s.pipeWriter.Write(data)
	return errorsx.Wrap(err, errorsx.ReasonRecognizerClosed)
}

func (s *Source) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	if s.closed.CompareAndSwap(false, true) {
		s.emitDetachLocked()
		close(s.out)
	}
	return nil
}

func (s *Source) emitDetachLocked() {
	select {
	case s.out <- recognizer.Signal{Kind: recognizer.KindDetach, SessionID: s.cfg.SessionID}:
	default:
	}
}

func (s *Source) emit(sig recognizer.Signal) {
	if s.closed.Load() {
		return
	}
	select {
	case s.out <- sig:
	default:
		s.logger.Warn("deepgram_out_channel_full",
			slog.String("session_id", s.cfg.SessionID))
	}
}

type callback struct {
	parent *Source
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}
	isFinal := mr.IsFinal || mr.SpeechFinal

	c.parent.logger.Debug("transcript_received",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.Bool("is_final", isFinal))

	c.parent.emit(recognizer.Signal{
		Kind:      recognizer.KindSpeech,
		SessionID: c.parent.cfg.SessionID,
		Event: events.RecognitionEvent{
			Text:       alt.Transcript,
			IsFinal:    isFinal,
			ReceivedAt: time.Now(),
		},
	})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("session_id", c.parent.cfg.SessionID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

var _ recognizer.Source = (*Source)(nil)
