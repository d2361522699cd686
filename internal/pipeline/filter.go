package pipeline

import (
	"fmt"
	"mere/internal/logger"
	"mere/internal/model"
	"mere/internal/pathmap"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// Ignorer matches paths against the ignore list. A pattern without a slash
// applies to every path component (".git", "*.swp"); a pattern with one
// applies to the path relative to its watch target ("build/**").
type Ignorer struct {
	patterns []string
	mapper   *pathmap.Mapper
}

func NewIgnorer(patterns []string, mapper *pathmap.Mapper) (*Ignorer, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid ignore pattern %q", p)
		}
	}

	return &Ignorer{patterns: patterns, mapper: mapper}, nil
}

func (i *Ignorer) Ignored(path string) bool {
	if len(i.patterns) == 0 {
		return false
	}

	rel, ok := i.mapper.Rel(path)
	if !ok {
		rel = filepath.Base(path)
	}

	parts := strings.Split(rel, "/")
	for _, pattern := range i.patterns {
		if strings.Contains(pattern, "/") {
			if matched, _ := doublestar.Match(pattern, rel); matched {
				return true
			}
			continue
		}

		for _, part := range parts {
			if matched, _ := doublestar.Match(pattern, part); matched {
				return true
			}
		}
	}

	return false
}

// Filter drops events for ignored paths. A move across the ignore boundary
// degrades to the operation that keeps the remote equal to the visible part
// of the tree.
func Filter(inCh <-chan model.ChangeEvent, ig *Ignorer) <-chan model.ChangeEvent {
	outCh := make(chan model.ChangeEvent, cap(inCh))

	go func() {
		defer close(outCh)

		for event := range inCh {
			out, ok := ig.apply(event)
			if !ok {
				logger.Log.Debug("ignored",
					zap.Stringer("event", event))
				continue
			}

			outCh <- out
		}
	}()

	return outCh
}

func (i *Ignorer) apply(event model.ChangeEvent) (model.ChangeEvent, bool) {
	if event.Type != model.EventMoved {
		return event, !i.Ignored(event.Path)
	}

	fromIgnored, toIgnored := i.Ignored(event.From), i.Ignored(event.Path)
	switch {
	case fromIgnored && toIgnored:
		return event, false
	case fromIgnored:
		return model.ChangeEvent{Type: model.EventWritten, Path: event.Path, At: event.At}, true
	case toIgnored:
		return model.ChangeEvent{Type: model.EventDeleted, Path: event.From, At: event.At}, true
	default:
		return event, true
	}
}
