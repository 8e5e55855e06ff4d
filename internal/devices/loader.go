package devices

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed maps/*.yaml
var builtinMaps embed.FS

// Loader resolves device map names to parsed maps. Configured search paths
// are tried first, then the maps compiled into the binary.
type Loader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
	logger      *zap.Logger
}

func NewLoader(searchPaths []string, logger *zap.Logger) (*Loader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &Loader{
		validator:   validator,
		searchPaths: searchPaths,
		logger:      logger,
	}, nil
}

// Load returns the device map called name. name may be a path to a YAML
// file or the base name of a map in one of the search paths.
func (l *Loader) Load(name string) (*DeviceMap, error) {
	if cached, ok := l.cache.Load(name); ok {
		return cached.(*DeviceMap), nil
	}

	data, source, err := l.read(name)
	if err != nil {
		return nil, err
	}

	m, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("device map %s: %w", source, err)
	}

	l.cache.Store(name, m)

	l.logger.Info("Device map loaded",
		zap.String("name", m.Name),
		zap.String("source", source),
		zap.Int("slaves", len(m.Slaves)),
		zap.Int("channels", len(m.Mappings())))

	return m, nil
}

// Parse validates and decodes a YAML device map document.
func (l *Loader) Parse(data []byte) (*DeviceMap, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := l.validator.ValidateDocument(doc); err != nil {
		return nil, err
	}

	var m DeviceMap
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode device map: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

func (l *Loader) read(name string) ([]byte, string, error) {
	if filepath.Ext(name) != "" {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read device map: %w", err)
		}
		return data, name, nil
	}

	for _, searchPath := range l.searchPaths {
		fullPath := filepath.Join(searchPath, name+".yaml")
		data, err := os.ReadFile(fullPath)
		if err == nil {
			return data, fullPath, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("failed to read device map %s: %w", fullPath, err)
		}
	}

	data, err := builtinMaps.ReadFile("maps/" + name + ".yaml")
	if err == nil {
		return data, "builtin:" + name, nil
	}

	return nil, "", fmt.Errorf("device map not found: %s (searched in: %v and built-ins)", name, l.searchPaths)
}

func (l *Loader) ClearCache() {
	l.cache.Range(func(key, value interface{}) bool {
		l.cache.Delete(key)
		return true
	})
}
