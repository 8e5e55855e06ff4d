package calibration

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/KevinKickass/ecatmaster/internal/exchange"
)

// Offsets maps a channel name to the raw count subtracted before
// conversion.
type Offsets map[string]int32

func ZeroOffsets(names []string) Offsets {
	o := make(Offsets, len(names))
	for _, n := range names {
		o[n] = 0
	}
	return o
}

func (o Offsets) Clone() Offsets {
	c := make(Offsets, len(o))
	for k, v := range o {
		c[k] = v
	}
	return c
}

// Store keeps offsets in a JSON object file, {"ch1": 12, ...}.
type Store struct {
	path  string
	names []string
	mu    sync.Mutex
}

func NewStore(path string, names []string) *Store {
	return &Store{path: path, names: names}
}

func (s *Store) Path() string { return s.path }

// Load returns zero offsets when the file does not exist. Channels missing
// from the file read as zero.
func (s *Store) Load() (Offsets, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offsets := ZeroOffsets(s.names)

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return offsets, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read offsets: %w", err)
	}

	var stored map[string]int32
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to parse offsets %s: %w", s.path, err)
	}
	for _, n := range s.names {
		offsets[n] = stored[n]
	}
	return offsets, nil
}

func (s *Store) Save(offsets Offsets) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(offsets)
	if err != nil {
		return fmt.Errorf("failed to encode offsets: %w", err)
	}
	if err := exchange.WriteFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("failed to save offsets: %w", err)
	}
	return nil
}
