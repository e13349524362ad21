// Package blocklog journals applied block changes as zstd compressed JSON
// lines, one file per hour.
package blocklog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/siohaza/blocksmith/internal/block"
)

const filePrefix = "blocks"

type Entry struct {
	Time  time.Time  `json:"t"`
	World string     `json:"world"`
	Actor string     `json:"actor"`
	X     int        `json:"x"`
	Y     int        `json:"y"`
	H     int        `json:"h"`
	Old   block.Type `json:"old"`
	New   block.Type `json:"new"`
}

func (e Entry) Coord() block.Coord {
	return block.Coord{X: e.X, Y: e.Y, H: e.H}
}

type Journal struct {
	baseDir string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	written uint64
}

func New(baseDir string) *Journal {
	return &Journal{
		baseDir: baseDir,
		now:     time.Now,
	}
}

// Append writes one entry, stamping it with the current time when it has
// none.
func (j *Journal) Append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now().UTC()
	if e.Time.IsZero() {
		e.Time = now
	}
	hour := now.Format("2006-01-02-15")
	if hour != j.curHour {
		if err := j.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode block log entry: %w", err)
	}
	if _, err := j.w.Write(b); err != nil {
		return err
	}
	if err := j.w.WriteByte('\n'); err != nil {
		return err
	}
	j.written++
	return j.w.Flush()
}

func (j *Journal) Written() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.written
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeLocked()
}

func (j *Journal) rotateLocked(hour string) error {
	if err := j.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(j.baseDir, 0o755); err != nil {
		return fmt.Errorf("failed to create block log directory: %w", err)
	}
	f, err := os.OpenFile(j.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open block log: %w", err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	j.f = f
	j.enc = enc
	j.w = bufio.NewWriterSize(enc, 64*1024)
	j.curHour = hour
	return nil
}

func (j *Journal) closeLocked() error {
	var err error
	if j.w != nil {
		_ = j.w.Flush()
	}
	if j.enc != nil {
		err = j.enc.Close()
		j.enc = nil
	}
	if j.f != nil {
		_ = j.f.Close()
		j.f = nil
	}
	j.w = nil
	j.curHour = ""
	return err
}

func (j *Journal) pathForHour(hour string) string {
	return filepath.Join(j.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", filePrefix, hour))
}

// Files lists the journal files in baseDir, oldest first.
func Files(baseDir string) ([]string, error) {
	return filepath.Glob(filepath.Join(baseDir, filePrefix+"-*.jsonl.zst"))
}

// ReadFile decodes every entry in one journal file. A file appended to after
// a restart holds several zstd frames, which the decoder reads in sequence.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open block log: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	defer dec.Close()

	var entries []Entry
	d := json.NewDecoder(dec)
	for {
		var e Entry
		if err := d.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			return entries, fmt.Errorf("failed to decode block log: %w", err)
		}
		entries = append(entries, e)
	}
}

// History returns the entries for one coordinate across all journal files,
// oldest first.
func History(baseDir, world string, c block.Coord) ([]Entry, error) {
	files, err := Files(baseDir)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, path := range files {
		entries, err := ReadFile(path)
		if err != nil {
			return out, err
		}
		for _, e := range entries {
			if e.World == world && e.Coord() == c {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// History finishes the current file so it can be read, then returns the
// recorded changes at c.
func (j *Journal) History(world string, c block.Coord) ([]Entry, error) {
	j.mu.Lock()
	err := j.closeLocked()
	j.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return History(j.baseDir, world, c)
}
