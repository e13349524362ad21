package world

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/siohaza/blocksmith/internal/block"
)

const mapMagic = "BSMAP1"

var ErrBadMap = errors.New("malformed map file")

// Map stores one byte per block, x fastest, then y, then h.
type Map struct {
	width  int
	length int
	height int

	mu     sync.RWMutex
	blocks []byte
	spawn  block.Coord
}

func NewMap(width, length, height int) (*Map, error) {
	if width < 1 || length < 1 || height < 1 {
		return nil, fmt.Errorf("invalid map dimensions %dx%dx%d", width, length, height)
	}
	if width > 1024 || length > 1024 || height > 1024 {
		return nil, fmt.Errorf("map dimensions too large: %dx%dx%d", width, length, height)
	}
	return &Map{
		width:  width,
		length: length,
		height: height,
		blocks: make([]byte, width*length*height),
		spawn:  block.Coord{X: width / 2, Y: length / 2, H: height - 1},
	}, nil
}

// Flat fills the lower half with dirt under a grass layer.
func Flat(width, length, height int) (*Map, error) {
	m, err := NewMap(width, length, height)
	if err != nil {
		return nil, err
	}

	ground := height / 2
	for h := 0; h < ground; h++ {
		t := block.Dirt
		switch {
		case h == 0:
			t = block.Admincrete
		case h == ground-1:
			t = block.Grass
		}
		for y := 0; y < length; y++ {
			for x := 0; x < width; x++ {
				m.blocks[m.index(x, y, h)] = byte(t)
			}
		}
	}
	m.spawn = block.Coord{X: width / 2, Y: length / 2, H: ground + 1}
	return m, nil
}

func (m *Map) Width() int  { return m.width }
func (m *Map) Length() int { return m.length }
func (m *Map) Height() int { return m.height }

func (m *Map) Volume() int {
	return m.width * m.length * m.height
}

func (m *Map) Spawn() block.Coord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.spawn
}

func (m *Map) SetSpawn(c block.Coord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawn = c
}

func (m *Map) index(x, y, h int) int {
	return (h*m.length+y)*m.width + x
}

func (m *Map) InBounds(c block.Coord) bool {
	return c.X >= 0 && c.X < m.width &&
		c.Y >= 0 && c.Y < m.length &&
		c.H >= 0 && c.H < m.height
}

// Get returns Air outside the map.
func (m *Map) Get(c block.Coord) block.Type {
	if !m.InBounds(c) {
		return block.Air
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return block.Type(m.blocks[m.index(c.X, c.Y, c.H)])
}

// Set stores t at c and returns the previous block.
func (m *Map) Set(c block.Coord, t block.Type) (block.Type, bool) {
	if !m.InBounds(c) || !t.Valid() {
		return block.Air, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.index(c.X, c.Y, c.H)
	old := block.Type(m.blocks[i])
	m.blocks[i] = byte(t)
	return old, true
}

// Snapshot copies the block array.
func (m *Map) Snapshot() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, len(m.blocks))
	copy(out, m.blocks)
	return out
}

// WriteLevel writes the gzip stream a client expects during level
// initialization: a big-endian block count followed by the blocks.
func (m *Map) WriteLevel(w io.Writer, level int) error {
	zw, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return fmt.Errorf("failed to create gzip writer: %w", err)
	}

	blocks := m.Snapshot()
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(blocks)))
	if _, err := zw.Write(size[:]); err != nil {
		return err
	}
	if _, err := zw.Write(blocks); err != nil {
		return err
	}
	return zw.Close()
}

type mapHeader struct {
	Width  uint16
	Length uint16
	Height uint16
	SpawnX uint16
	SpawnY uint16
	SpawnH uint16
}

// Save writes the map to path through a temporary file.
func (m *Map) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create map directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create map file: %w", err)
	}

	if err := m.encode(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write map: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close map file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace map file: %w", err)
	}
	return nil
}

func (m *Map) encode(w io.Writer) error {
	zw := gzip.NewWriter(w)
	bw := bufio.NewWriter(zw)

	spawn := m.Spawn()
	hdr := mapHeader{
		Width:  uint16(m.width),
		Length: uint16(m.length),
		Height: uint16(m.height),
		SpawnX: uint16(spawn.X),
		SpawnY: uint16(spawn.Y),
		SpawnH: uint16(spawn.H),
	}
	if _, err := bw.WriteString(mapMagic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.BigEndian, hdr); err != nil {
		return err
	}
	if _, err := bw.Write(m.Snapshot()); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return zw.Close()
}

func LoadMap(path string) (*Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open map file: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMap, err)
	}
	defer zr.Close()

	magic := make([]byte, len(mapMagic))
	if _, err := io.ReadFull(zr, magic); err != nil || string(magic) != mapMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadMap)
	}

	var hdr mapHeader
	if err := binary.Read(zr, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMap, err)
	}

	m, err := NewMap(int(hdr.Width), int(hdr.Length), int(hdr.Height))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMap, err)
	}
	if _, err := io.ReadFull(zr, m.blocks); err != nil {
		return nil, fmt.Errorf("%w: truncated block data", ErrBadMap)
	}
	for _, b := range m.blocks {
		if !block.Type(b).Valid() {
			return nil, fmt.Errorf("%w: unknown block id %d", ErrBadMap, b)
		}
	}
	m.spawn = block.Coord{X: int(hdr.SpawnX), Y: int(hdr.SpawnY), H: int(hdr.SpawnH)}
	return m, nil
}
