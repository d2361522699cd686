// Package pathmap maps local paths inside watch targets to their location on
// the destination host.
//
// A directory target keeps its base name and nested structure under the
// remote root: /data/reports/x/a.txt becomes <root>/reports/x/a.txt. A file
// target maps to <root>/<base name> and nothing else maps into it.
package pathmap

import (
	"errors"
	"fmt"
	"mere/internal/model"
	"path"
	"path/filepath"
	"strings"
)

var ErrInvalidPath = errors.New("path is outside every watch target")

type Mapper struct {
	targets    []model.WatchTarget
	remoteRoot string
}

func New(targets []model.WatchTarget, remoteRoot string) (*Mapper, error) {
	if remoteRoot == "" {
		remoteRoot = "."
	}

	m := &Mapper{
		targets:    make([]model.WatchTarget, 0, len(targets)),
		remoteRoot: path.Clean(filepath.ToSlash(remoteRoot)),
	}

	seen := make(map[string]string, len(targets))
	for _, t := range targets {
		if !filepath.IsAbs(t.LocalPath) {
			return nil, fmt.Errorf("watch target %q is not absolute", t.LocalPath)
		}

		t.LocalPath = filepath.Clean(t.LocalPath)
		remote := m.rootOf(t)
		if prev, ok := seen[remote]; ok {
			return nil, fmt.Errorf("targets %s and %s both map to remote %s", prev, t.LocalPath, remote)
		}

		seen[remote] = t.LocalPath
		m.targets = append(m.targets, t)
	}

	return m, nil
}

func (m *Mapper) Targets() []model.WatchTarget {
	return m.targets
}

func (m *Mapper) RemoteRoot() string {
	return m.remoteRoot
}

// Map resolves local against the target that contains it. When targets nest,
// the deepest root wins.
func (m *Mapper) Map(local string) (string, error) {
	t, ok := m.Target(local)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, local)
	}

	return m.MapTarget(t, local)
}

func (m *Mapper) MapTarget(t model.WatchTarget, local string) (string, error) {
	local = filepath.Clean(local)
	root := filepath.Clean(t.LocalPath)

	if !t.IsDir {
		if local != root {
			return "", fmt.Errorf("%w: %s is not %s", ErrInvalidPath, local, root)
		}

		return m.rootOf(t), nil
	}

	rel, err := filepath.Rel(root, local)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is not under %s", ErrInvalidPath, local, root)
	}

	if rel == "." {
		return m.rootOf(t), nil
	}

	return path.Join(m.rootOf(t), filepath.ToSlash(rel)), nil
}

// Target returns the watch target whose scope includes local.
func (m *Mapper) Target(local string) (model.WatchTarget, bool) {
	local = filepath.Clean(local)

	var (
		best  model.WatchTarget
		found bool
	)

	for _, t := range m.targets {
		if !within(t, local) {
			continue
		}

		if !found || len(t.LocalPath) > len(best.LocalPath) {
			best = t
			found = true
		}
	}

	return best, found
}

func (m *Mapper) Contains(local string) bool {
	_, ok := m.Target(local)
	return ok
}

// Recursive reports whether local is a directory position that must be
// watched recursively, i.e. it lies inside a directory target.
func (m *Mapper) Recursive(local string) bool {
	t, ok := m.Target(local)
	return ok && t.IsDir
}

// Rel returns local relative to the root of its target, in slash form.
func (m *Mapper) Rel(local string) (string, bool) {
	t, ok := m.Target(local)
	if !ok {
		return "", false
	}

	if !t.IsDir {
		return filepath.Base(t.LocalPath), true
	}

	rel, err := filepath.Rel(t.LocalPath, filepath.Clean(local))
	if err != nil {
		return "", false
	}

	return filepath.ToSlash(rel), true
}

func (m *Mapper) rootOf(t model.WatchTarget) string {
	return path.Join(m.remoteRoot, filepath.Base(t.LocalPath))
}

func within(t model.WatchTarget, local string) bool {
	if local == t.LocalPath {
		return true
	}

	if !t.IsDir {
		return false
	}

	prefix := t.LocalPath
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}

	return strings.HasPrefix(local, prefix)
}

// Under reports whether p equals dir or lies beneath it.
func Under(p, dir string) bool {
	if p == dir {
		return true
	}

	if !strings.HasSuffix(dir, string(filepath.Separator)) {
		dir += string(filepath.Separator)
	}

	return strings.HasPrefix(p, dir)
}

// UnderRemote is Under for slash-separated remote paths.
func UnderRemote(p, dir string) bool {
	if p == dir {
		return true
	}

	return strings.HasPrefix(p, strings.TrimSuffix(dir, "/")+"/")
}
