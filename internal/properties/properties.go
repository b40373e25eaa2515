// Package properties implements the ordered, typed key/value store the
// control loop merges console and local configuration through.
package properties

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Properties is an ordered string->string mapping with typed accessors.
// It is safe for concurrent use.
type Properties struct {
	mu       sync.RWMutex
	order    []string
	values   map[string]string
	baseFile string // associated file used by ResolveRelativeFile
}

// New returns an empty Properties.
func New() *Properties {
	return &Properties{values: make(map[string]string)}
}

// Load reads a Java-style key=value properties file from path using viper
// (backed by magiconair/properties). Environment variables are not
// consulted. Missing files are not an error — Load returns an empty
// Properties whose BaseFile is still set to path, so ResolveRelativeFile
// still has something to rebase against.
func Load(path string) (*Properties, error) {
	p := New()
	p.baseFile = path

	if path == "" {
		return p, nil
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, fmt.Errorf("properties: stat %s: %w", path, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("properties")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("properties: read %s: %w", path, err)
	}

	for _, key := range v.AllKeys() {
		p.Set(key, fmt.Sprintf("%v", v.Get(key)))
	}
	return p, nil
}

// BaseFile returns the file Load() was given, used by ResolveRelativeFile.
func (p *Properties) BaseFile() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.baseFile
}

// SetBaseFile sets the base file used by ResolveRelativeFile.
func (p *Properties) SetBaseFile(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.baseFile = path
}

// Set stores key=value, preserving first-seen insertion order.
func (p *Properties) Set(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.values[key]; !ok {
		p.order = append(p.order, key)
	}
	p.values[key] = value
}

// Get returns the string value for key, or def if unset.
func (p *Properties) Get(key, def string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.values[key]; ok {
		return v
	}
	return def
}

// GetInt returns the integer value for key, or def if unset or unparsable.
func (p *Properties) GetInt(key string, def int) int {
	v := p.Get(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// GetBool returns the boolean value for key, or def if unset or unparsable.
func (p *Properties) GetBool(key string, def bool) bool {
	v := p.Get(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// GetFile returns key's value resolved as a path. If unset, def is resolved
// instead. Relative paths are rebased against BaseFile's directory.
func (p *Properties) GetFile(key, def string) string {
	v := p.Get(key, def)
	if v == "" {
		return v
	}
	return p.ResolveRelativeFile(v)
}

// ResolveRelativeFile rebases a relative path against the directory of the
// file Properties was loaded from. Absolute paths are returned unchanged.
func (p *Properties) ResolveRelativeFile(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	base := p.BaseFile()
	if base == "" {
		return path
	}
	return filepath.Join(filepath.Dir(base), path)
}

// PutAll merges other's entries into p, overwriting existing keys but
// preserving p's original key order for keys already present.
func (p *Properties) PutAll(other *Properties) {
	if other == nil {
		return
	}
	other.mu.RLock()
	keys := append([]string(nil), other.order...)
	vals := make(map[string]string, len(other.values))
	for k, v := range other.values {
		vals[k] = v
	}
	other.mu.RUnlock()

	for _, k := range keys {
		p.Set(k, vals[k])
	}
}

// Keys returns a copy of the keys in insertion order.
func (p *Properties) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.order...)
}

// Clone returns a deep copy of p.
func (p *Properties) Clone() *Properties {
	p.mu.RLock()
	defer p.mu.RUnlock()
	clone := New()
	clone.baseFile = p.baseFile
	clone.order = append([]string(nil), p.order...)
	for k, v := range p.values {
		clone.values[k] = v
	}
	return clone
}
