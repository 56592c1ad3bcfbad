package download

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/example/go-eomosaic/eo/errs"
	"github.com/example/go-eomosaic/eo/model"
	"github.com/example/go-eomosaic/eo/raster"
)

// Status is the lifecycle state of one tile.
type Status int

const (
	Pending Status = iota
	InFlight
	Done
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in-flight"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Job tracks one tiled download. Tiles are fixed at creation; only their
// status changes.
type Job struct {
	ID       string
	Image    model.Image
	Spec     raster.Spec
	Tiles    []raster.Tile
	Metadata map[string]string
	// Location is set once the output has been committed.
	Location string

	mu       sync.Mutex
	status   []Status
	attempts []int
	causes   []error
	done     atomic.Int64
}

func newJob(img model.Image, spec raster.Spec, tiles []raster.Tile) *Job {
	return &Job{
		ID:       uuid.NewString(),
		Image:    img,
		Spec:     spec,
		Tiles:    tiles,
		status:   make([]Status, len(tiles)),
		attempts: make([]int, len(tiles)),
		causes:   make([]error, len(tiles)),
	}
}

// Progress returns completed and total tile counts. Safe to call while the
// job runs; done never decreases.
func (j *Job) Progress() (done, total int) {
	return int(j.done.Load()), len(j.Tiles)
}

// Status reports the state of tile i.
func (j *Job) Status(i int) Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status[i]
}

// Attempts reports how many fetch attempts tile i has used so far.
func (j *Job) Attempts(i int) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts[i]
}

// Complete reports whether every tile is done.
func (j *Job) Complete() bool {
	return int(j.done.Load()) == len(j.Tiles)
}

func (j *Job) start(i int) {
	j.mu.Lock()
	j.status[i] = InFlight
	j.mu.Unlock()
}

func (j *Job) addAttempts(i, n int) {
	j.mu.Lock()
	j.attempts[i] += n
	j.mu.Unlock()
}

func (j *Job) finish(i int) int {
	j.mu.Lock()
	j.status[i] = Done
	j.causes[i] = nil
	j.mu.Unlock()
	return int(j.done.Add(1))
}

func (j *Job) fail(i int, err error) {
	j.mu.Lock()
	j.status[i] = Failed
	j.causes[i] = err
	j.mu.Unlock()
}

func (j *Job) release(i int) {
	j.mu.Lock()
	if j.status[i] == InFlight {
		j.status[i] = Pending
	}
	j.mu.Unlock()
}

// remaining returns tiles that are not done and resets failed ones to pending.
func (j *Job) remaining() []raster.Tile {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []raster.Tile
	for i, t := range j.Tiles {
		if j.status[i] == Done {
			continue
		}
		j.status[i] = Pending
		j.causes[i] = nil
		out = append(out, t)
	}
	return out
}

func (j *Job) failures() []errs.TileError {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []errs.TileError
	for i, st := range j.status {
		if st == Failed {
			out = append(out, errs.TileError{Index: i, Window: j.Tiles[i].Window, Err: j.causes[i]})
		}
	}
	return out
}

func (j *Job) missingWindows() []raster.Window {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []raster.Window
	for i, st := range j.status {
		if st != Done {
			out = append(out, j.Tiles[i].Window)
		}
	}
	return out
}
