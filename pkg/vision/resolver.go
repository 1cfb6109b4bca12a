package vision

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cclavio/earshot/pkg/errorsx"
	"github.com/cclavio/earshot/pkg/events"
	"github.com/cclavio/earshot/pkg/resilience"
)

// Classifier decides whether answering a query requires a photo.
type Classifier interface {
	ClassifyVisual(ctx context.Context, query string) (bool, error)
}

// Capturer takes a photo on the device.
type Capturer interface {
	CapturePhoto(ctx context.Context) (*events.PhotoRef, error)
}

// DefaultCaptureTimeout bounds how long a visual turn waits for the camera.
const DefaultCaptureTimeout = 10 * time.Second

// Resolution is the outcome of visual-need resolution for a query.
type Resolution struct {
	IsVisual bool
	Photo    *events.PhotoRef
}

// Resolver classifies visual need and races photo capture against a deadline.
type Resolver struct {
	classifier     Classifier
	capturer       Capturer
	captureTimeout time.Duration
	retry          resilience.RetryPolicy
	log            *slog.Logger
}

func NewResolver(classifier Classifier, capturer Capturer, captureTimeout time.Duration, log *slog.Logger) *Resolver {
	if captureTimeout <= 0 {
		captureTimeout = DefaultCaptureTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		classifier:     classifier,
		capturer:       capturer,
		captureTimeout: captureTimeout,
		retry:          resilience.NewRetryPolicy(1, 100*time.Millisecond),
		log:            log,
	}
}

type captureResult struct {
	photo *events.PhotoRef
	err   error
}

// Resolve classifies the query and, when visual, waits for a photo under the
// capture timeout. An opportunistic capture starts immediately so a visual
// verdict rarely pays the full camera latency; on a non-visual verdict the
// in-flight capture is left to resolve on its own and is not awaited.
//
// Classifier failure degrades to non-visual. Capture failure or timeout on a
// visual query returns an error; the caller must not proceed to the agent as
// if the turn were non-visual.
func (r *Resolver) Resolve(ctx context.Context, query string) (Resolution, error) {
	var captureCh chan captureResult
	if r.capturer != nil {
		captureCh = make(chan captureResult, 1)
		captureCtx, cancel := context.WithTimeout(ctx, r.captureTimeout)
		go func() {
			defer cancel()
			photo, err := r.capturer.CapturePhoto(captureCtx)
			captureCh <- captureResult{photo: photo, err: err}
		}()
	}

	isVisual, err := r.classify(ctx, query)
	if err != nil {
		r.log.Warn("visual classify failed, assuming non-visual",
			"error", err, "reason", string(errorsx.ReasonVisualClassify))
		isVisual = false
	}

	if !isVisual {
		// Fire-and-forget: the opportunistic capture resolves into the
		// buffered channel and is discarded.
		return Resolution{IsVisual: false}, nil
	}
	if captureCh == nil {
		return Resolution{IsVisual: true}, errorsx.Wrap(errors.New("no capturer configured"), errorsx.ReasonPhotoCapture)
	}

	timer := time.NewTimer(r.captureTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Resolution{IsVisual: true}, errorsx.Wrap(ctx.Err(), errorsx.ReasonSessionDestroyed)
	case <-timer.C:
		return Resolution{IsVisual: true}, errorsx.Wrap(errors.New("photo capture timed out"), errorsx.ReasonPhotoCaptureTimeout)
	case res := <-captureCh:
		if res.err != nil {
			return Resolution{IsVisual: true}, errorsx.Wrap(res.err, errorsx.ReasonPhotoCapture)
		}
		if res.photo == nil {
			return Resolution{IsVisual: true}, errorsx.Wrap(errors.New("capture returned no photo"), errorsx.ReasonPhotoCapture)
		}
		return Resolution{IsVisual: true, Photo: res.photo}, nil
	}
}

func (r *Resolver) classify(ctx context.Context, query string) (bool, error) {
	if r.classifier == nil {
		return false, nil
	}
	var verdict bool
	err := r.retry.Do(func() error {
		v, err := r.classifier.ClassifyVisual(ctx, query)
		if err != nil {
			return err
		}
		verdict = v
		return nil
	})
	if err != nil {
		return false, errorsx.Wrap(err, errorsx.ReasonVisualClassify)
	}
	return verdict, nil
}
