package exchange

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/KevinKickass/ecatmaster/internal/types"
)

// FileSink writes the latest analog values and digital inputs to text files
// polled by the dashboard.
type FileSink struct {
	dataPath    string
	digitalPath string
}

func NewFileSink(dataPath, digitalPath string) *FileSink {
	return &FileSink{dataPath: dataPath, digitalPath: digitalPath}
}

func (s *FileSink) Publish(ctx context.Context, rec types.InputRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := WriteFileAtomic(s.dataPath, []byte(FormatAnalog(rec.Analog))); err != nil {
		return fmt.Errorf("failed to write analog values: %w", err)
	}

	if rec.HasDigital() && s.digitalPath != "" {
		if err := WriteFileAtomic(s.digitalPath, []byte(FormatFlags(rec.Digital))); err != nil {
			return fmt.Errorf("failed to write digital inputs: %w", err)
		}
	}

	return nil
}

// FileCommandStore keeps the output command in a text file shared with other
// processes.
type FileCommandStore struct {
	path string
	mu   sync.Mutex // serialises read-modify-write from this process
}

func NewFileCommandStore(path string) *FileCommandStore {
	return &FileCommandStore{path: path}
}

func (s *FileCommandStore) Fetch(ctx context.Context) (types.OutputCommand, error) {
	if err := ctx.Err(); err != nil {
		return types.AllOff, err
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return types.AllOff, ErrNoCommand
	}
	if err != nil {
		return types.AllOff, fmt.Errorf("failed to read commands: %w", err)
	}

	return ParseCommand(string(data))
}

func (s *FileCommandStore) Store(ctx context.Context, cmd types.OutputCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := WriteFileAtomic(s.path, []byte(cmd.String()+"\n")); err != nil {
		return fmt.Errorf("failed to write commands: %w", err)
	}
	return nil
}

// WriteFileAtomic replaces path with data via a temporary file in the same
// directory, so concurrent readers see either the old or the new record.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
