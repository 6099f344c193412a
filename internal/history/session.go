package history

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Target selects a history file. An enabled target with an empty Name uses
// the optimizer's default file name.
type Target struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Resolve returns the history name t selects, relative to dir unless absolute.
func (t Target) Resolve(dir, def string) string {
	name := t.Name
	if name == "" {
		name = def
	}
	if dir != "" && !filepath.IsAbs(name) {
		name = filepath.Join(dir, name)
	}
	return name
}

// Session is the history state of one solve on the coordinator rank: an
// optional reader replaying a previous run and an optional writer recording
// this one.
//
// When both point at the same history, the writer records to a temporary
// name and Commit swaps it in, so a crash mid-run leaves the original intact.
// All methods are safe on a nil *Session.
type Session struct {
	Reader *Reader
	Writer *Writer

	final string
	tmp   bool
}

// OpenSession resolves and opens the history files for a solve.
// A hot-start target that does not exist is logged and ignored.
func OpenSession(dir string, store, hot Target, defName string) (*Session, error) {
	s := &Session{}

	var hotName string
	if hot.Enabled {
		hotName = hot.Resolve(dir, defName)
		if !Exists(hotName) {
			slog.Warn("Hot start history not found, starting cold", "history", hotName)
			hotName = ""
		}
	}

	if store.Enabled {
		name := store.Resolve(dir, defName)
		if parent := filepath.Dir(name); parent != "." {
			if err := os.MkdirAll(parent, 0755); err != nil {
				return nil, fmt.Errorf("failed to create history directory: %w", err)
			}
		}
		s.final = name
		if name == hotName {
			name += "_tmp"
			s.tmp = true
		}
		w, err := Create(name)
		if err != nil {
			return nil, err
		}
		s.Writer = w
	}

	if hotName != "" {
		r, err := Open(hotName)
		if err != nil {
			s.Abort()
			return nil, err
		}
		s.Reader = r
		slog.Info("Hot start enabled", "history", hotName, "records", len(r.entries))
	}

	return s, nil
}

// HotStart reports whether a history is being replayed.
func (s *Session) HotStart() bool {
	return s != nil && s.Reader != nil && !s.Reader.closed
}

// Recording reports whether evaluations are being stored.
func (s *Session) Recording() bool {
	return s != nil && s.Writer != nil && !s.Writer.closed
}

// EndHotStart closes the replayed history.
func (s *Session) EndHotStart() error {
	if s == nil || s.Reader == nil {
		return nil
	}
	return s.Reader.Close()
}

// Flush writes buffered records.
func (s *Session) Flush() error {
	if !s.Recording() {
		return nil
	}
	return s.Writer.Flush()
}

// Commit closes all files and, if the run recorded into a temporary history,
// replaces the original with it.
func (s *Session) Commit() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.Writer != nil {
		errs = append(errs, s.Writer.Close())
	}
	if s.Reader != nil {
		errs = append(errs, s.Reader.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if !s.tmp {
		return nil
	}

	if err := removeFiles(s.final); err != nil {
		return err
	}
	tmpCue, tmpBin := Files(s.Writer.Name())
	cue, bin := Files(s.final)
	if err := os.Rename(tmpCue, cue); err != nil {
		return fmt.Errorf("failed to rename history index: %w", err)
	}
	if err := os.Rename(tmpBin, bin); err != nil {
		return fmt.Errorf("failed to rename history payload: %w", err)
	}
	slog.Debug("History replaced", "history", s.final)
	return nil
}

// Abort closes all files without replacing anything. A temporary history is
// removed.
func (s *Session) Abort() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.Writer != nil {
		errs = append(errs, s.Writer.Close())
		if s.tmp {
			errs = append(errs, removeFiles(s.Writer.Name()))
		}
	}
	if s.Reader != nil {
		errs = append(errs, s.Reader.Close())
	}
	return errors.Join(errs...)
}

func removeFiles(name string) error {
	cue, bin := Files(name)
	for _, path := range []string{cue, bin} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return nil
}
