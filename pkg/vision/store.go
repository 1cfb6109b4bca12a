package vision

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/cclavio/earshot/pkg/errorsx"
	"github.com/cclavio/earshot/pkg/events"
)

// Snapper reads raw bytes from the camera hardware.
type Snapper func(ctx context.Context) (data []byte, mime string, err error)

// FileCapturer captures photos through a Snapper and persists them on the
// device filesystem. The afero abstraction keeps it testable in memory.
type FileCapturer struct {
	fs   afero.Fs
	dir  string
	snap Snapper
}

func NewFileCapturer(fs afero.Fs, dir string, snap Snapper) *FileCapturer {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileCapturer{fs: fs, dir: dir, snap: snap}
}

func (c *FileCapturer) CapturePhoto(ctx context.Context) (*events.PhotoRef, error) {
	data, mime, err := c.snap(ctx)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonPhotoCapture)
	}
	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonPhotoCapture)
	}
	name := fmt.Sprintf("%s%s", uuid.NewString(), extensionFor(mime))
	path := filepath.Join(c.dir, name)
	if err := afero.WriteFile(c.fs, path, data, 0o644); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonPhotoCapture)
	}
	return &events.PhotoRef{Path: path, MIME: mime, CapturedAt: time.Now()}, nil
}

func extensionFor(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

var _ Capturer = (*FileCapturer)(nil)
