// Package errs defines the failure taxonomy shared by the download and
// compositing pipeline.
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/go-eomosaic/eo/raster"
)

var (
	// ErrEmptyResult is returned when a search leaves no usable image.
	ErrEmptyResult = errors.New("eo: no images matched the search")
	// ErrEmptyInput is returned when a composite is requested over no images.
	ErrEmptyInput = errors.New("eo: composite input is empty")
	// ErrGridMismatch is returned when composite inputs do not share one grid.
	ErrGridMismatch = errors.New("eo: inputs do not share a grid")
	// ErrCancelled marks work abandoned because its context was cancelled.
	ErrCancelled = errors.New("eo: cancelled")
)

// TransientRemoteError is a platform failure worth retrying.
type TransientRemoteError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientRemoteError) Error() string {
	return remoteMessage("transient", e.Op, e.Status, e.Err)
}

func (e *TransientRemoteError) Unwrap() error { return e.Err }

// PermanentRemoteError is a platform failure that retrying will not fix.
type PermanentRemoteError struct {
	Op     string
	Status int
	Err    error
}

func (e *PermanentRemoteError) Error() string {
	return remoteMessage("permanent", e.Op, e.Status, e.Err)
}

func (e *PermanentRemoteError) Unwrap() error { return e.Err }

func remoteMessage(kind, op string, status int, err error) string {
	var b strings.Builder
	b.WriteString("eo: ")
	if op != "" {
		b.WriteString(op)
		b.WriteString(": ")
	}
	b.WriteString(kind)
	b.WriteString(" remote error")
	if status != 0 {
		fmt.Fprintf(&b, " (status %d)", status)
	}
	if err != nil {
		b.WriteString(": ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// SizeInfeasibleError reports that a single pixel exceeds the request limit.
type SizeInfeasibleError struct {
	BytesPerPixel int
	MaxBytes      int64
}

func (e *SizeInfeasibleError) Error() string {
	return fmt.Sprintf("eo: one pixel needs %d bytes, request limit is %d", e.BytesPerPixel, e.MaxBytes)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var t *TransientRemoteError
	return errors.As(err, &t)
}

// IsPermanent reports whether err is a permanent remote failure.
func IsPermanent(err error) bool {
	var p *PermanentRemoteError
	return errors.As(err, &p)
}

// Cancelled wraps a context error so callers can match ErrCancelled.
func Cancelled(cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	if errors.Is(cause, ErrCancelled) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// TileError records why one tile failed.
type TileError struct {
	Index  int
	Window raster.Window
	Err    error
}

func (e TileError) Error() string {
	return fmt.Sprintf("tile %d (%s): %v", e.Index, e.Window, e.Err)
}

func (e TileError) Unwrap() error { return e.Err }

// DownloadFailure is returned when a tiled download did not complete.
type DownloadFailure struct {
	JobID      string
	TilesDone  int
	TilesTotal int
	Failed     []TileError
	LeftOnDisk string
	Cancelled  bool
}

// Fraction is the share of tiles that completed.
func (e *DownloadFailure) Fraction() float64 {
	if e.TilesTotal == 0 {
		return 0
	}
	return float64(e.TilesDone) / float64(e.TilesTotal)
}

// FailedWindows lists the windows of failed tiles.
func (e *DownloadFailure) FailedWindows() []raster.Window {
	out := make([]raster.Window, len(e.Failed))
	for i, f := range e.Failed {
		out[i] = f.Window
	}
	return out
}

func (e *DownloadFailure) Error() string {
	var b strings.Builder
	if e.Cancelled {
		b.WriteString("eo: download cancelled")
	} else {
		b.WriteString("eo: download failed")
	}
	fmt.Fprintf(&b, " after %d/%d tiles", e.TilesDone, e.TilesTotal)
	if e.JobID != "" {
		fmt.Fprintf(&b, " (job %s)", e.JobID)
	}
	if e.LeftOnDisk != "" {
		fmt.Fprintf(&b, "; partial output kept at %s", e.LeftOnDisk)
	}
	for i, f := range e.Failed {
		if i == 3 {
			fmt.Fprintf(&b, "; and %d more", len(e.Failed)-i)
			break
		}
		b.WriteString("; ")
		b.WriteString(f.Error())
	}
	return b.String()
}

// Unwrap exposes tile causes and, when cancelled, ErrCancelled.
func (e *DownloadFailure) Unwrap() []error {
	out := make([]error, 0, len(e.Failed)+1)
	if e.Cancelled {
		out = append(out, ErrCancelled)
	}
	for _, f := range e.Failed {
		out = append(out, f)
	}
	return out
}
