package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// File is the on-disk form of the grant table.
//
//	grants:
//	  - {subject: alice, role: admin, kind: org, ref: acme}
//	  - {subject: bob, role: viewer, kind: context, ref: "alice/proj-*"}
//	links:
//	  - child: {scope: team, id: infra}
//	    parent: {scope: organization, id: acme}
type File struct {
	Grants []Grant `yaml:"grants"`
	Links  []Link  `yaml:"links"`
}

// ReadFile parses a grants file. A missing file yields an empty table.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &File{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read grants file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse grants file %s: %w", path, err)
	}
	return &f, nil
}

// WriteFile stores a grants file, replacing it atomically.
func WriteFile(path string, f *File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode grants file: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create grants directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write grants file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Snapshot returns the current table in file form.
func (e *Enforcer) Snapshot() *File {
	s := e.snap.Load()
	f := &File{Grants: append([]Grant(nil), s.grants...)}
	for child, parents := range s.links {
		for _, p := range parents {
			f.Links = append(f.Links, Link{Child: child, Parent: p})
		}
	}
	sort.Slice(f.Links, func(i, j int) bool {
		a, b := f.Links[i], f.Links[j]
		if a.Child != b.Child {
			return a.Child.String() < b.Child.String()
		}
		return a.Parent.String() < b.Parent.String()
	})
	return f
}

// LoadFile replaces the grant table with the contents of path.
func (e *Enforcer) LoadFile(path string) error {
	f, err := ReadFile(path)
	if err != nil {
		return err
	}
	return e.Replace(f.Grants, f.Links)
}

// Watch reloads path whenever it changes until ctx is cancelled. A file
// that fails to parse or validate leaves the previous table in force.
// The returned channel is closed once the watcher has stopped.
func (e *Enforcer) Watch(ctx context.Context, path string) (<-chan struct{}, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve grants path %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are seen.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if err := e.LoadFile(abs); err != nil {
					e.logger.Error("grants reload failed, keeping previous table", "path", abs, "error", err)
					continue
				}
				e.logger.Info("grants reloaded", "path", abs)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				e.logger.Warn("grants watcher error", "error", err)
			}
		}
	}()
	return done, nil
}
