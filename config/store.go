package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	gwerrors "gwbridge/internal/errors"
)

// Store is the persisted key/value round-trip the core depends on.
// Implementations must return usable settings even when they also
// return an error (see HealError).
type Store interface {
	Load() (*Settings, error)
	Save(*Settings) error
}

// ── Sections ─────────────────────────────────────────────────────────

type section struct {
	name string
	of   func(*Settings) interface{}
}

// sections lists the files a FileStore manages, in load order.  serial
// comes first: nothing network-facing can start without it.
var sections = []section{
	{"serial", func(s *Settings) interface{} { return &s.Serial }},
	{"general", func(s *Settings) interface{} { return &s.General }},
	{"wifi", func(s *Settings) interface{} { return &s.WiFi }},
	{"ether", func(s *Settings) interface{} { return &s.Ether }},
	{"security", func(s *Settings) interface{} { return &s.Security }},
	{"overseer", func(s *Settings) interface{} { return &s.Overseer }},
	{"leds", func(s *Settings) interface{} { return &s.LEDs }},
	{"mqtt", func(s *Settings) interface{} { return &s.MQTT }},
	{"nats", func(s *Settings) interface{} { return &s.NATS }},
	{"tunnel", func(s *Settings) interface{} { return &s.Tunnel }},
}

// EarlySection is healed with a restart rather than in place.
const EarlySection = "serial"

// ── HealError ────────────────────────────────────────────────────────

// HealError reports sections that were unreadable and have been
// rewritten with defaults.  The settings returned alongside it are
// complete and usable.
type HealError struct {
	Sections []string
	Causes   map[string]error
}

func (e *HealError) Error() string {
	return "settings reset to defaults: " + strings.Join(e.Sections, ", ")
}

// RestartRequired reports whether a section needed before any network
// activity was healed.
func (e *HealError) RestartRequired() bool {
	for _, s := range e.Sections {
		if s == EarlySection {
			return true
		}
	}
	return false
}

// Unwrap lets errors.Is(err, ErrRestartRequired) drive the boot path.
func (e *HealError) Unwrap() error {
	if e.RestartRequired() {
		return gwerrors.ErrRestartRequired
	}
	return nil
}

// ── FileStore ────────────────────────────────────────────────────────

// FileStore keeps one YAML file per section under Dir.  Missing files
// are created with defaults; corrupt files are replaced by defaults.
type FileStore struct {
	Dir string
}

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("settings dir: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

// Path returns the file backing the named section.
func (st *FileStore) Path(name string) string {
	return filepath.Join(st.Dir, name+".yaml")
}

// Load reads every section.  The returned settings are never nil.
// A non-nil error is either a *HealError (settings usable) or an I/O
// failure writing defaults back.
func (st *FileStore) Load() (*Settings, error) {
	out := DefaultSettings()
	defaults := DefaultSettings()
	var healed *HealError

	for _, sec := range sections {
		data, err := os.ReadFile(st.Path(sec.name))
		if errors.Is(err, os.ErrNotExist) {
			if err := st.write(sec.name, sec.of(defaults)); err != nil {
				return out, err
			}
			continue
		}
		if err == nil {
			err = decodeStrict(data, sec.of(out))
		}
		if err != nil {
			if healed == nil {
				healed = &HealError{Causes: map[string]error{}}
			}
			healed.Sections = append(healed.Sections, sec.name)
			healed.Causes[sec.name] = err
			reset(sec, out, defaults)
			if werr := st.write(sec.name, sec.of(defaults)); werr != nil {
				return out, werr
			}
		}
	}

	out.Normalize()
	if healed != nil {
		return out, healed
	}
	return out, nil
}

// Save writes every section.
func (st *FileStore) Save(s *Settings) error {
	for _, sec := range sections {
		if err := st.write(sec.name, sec.of(s)); err != nil {
			return err
		}
	}
	return nil
}

// Reset removes every section file; the next Load writes defaults.
func (st *FileStore) Reset() error {
	var errs []error
	for _, sec := range sections {
		if err := os.Remove(st.Path(sec.name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sections returns the managed section names, sorted.
func (st *FileStore) Sections() []string {
	names := make([]string, len(sections))
	for i, s := range sections {
		names[i] = s.name
	}
	sort.Strings(names)
	return names
}

// write replaces a section file atomically.
func (st *FileStore) write(name string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(st.Dir, "."+name+"-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), st.Path(name)); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func decodeStrict(data []byte, v interface{}) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.New("empty file")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(v)
}

// reset copies the default value of one section into s.
func reset(sec section, s, defaults *Settings) {
	dst := reflect.ValueOf(sec.of(s)).Elem()
	dst.Set(reflect.ValueOf(sec.of(defaults)).Elem())
}
