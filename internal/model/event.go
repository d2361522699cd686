package model

import (
	"fmt"
	"time"
)

type EventType string

const (
	EventWritten EventType = "WRITTEN"
	EventDeleted EventType = "DELETED"
	EventMoved   EventType = "MOVED"
)

// ChangeEvent is one normalised local change. From is set only for EventMoved.
type ChangeEvent struct {
	Type EventType
	Path string
	From string
	At   time.Time
}

func Written(path string) ChangeEvent {
	return ChangeEvent{Type: EventWritten, Path: path, At: time.Now()}
}

func Deleted(path string) ChangeEvent {
	return ChangeEvent{Type: EventDeleted, Path: path, At: time.Now()}
}

func Moved(from, to string) ChangeEvent {
	return ChangeEvent{Type: EventMoved, Path: to, From: from, At: time.Now()}
}

func (e ChangeEvent) String() string {
	if e.Type == EventMoved {
		return fmt.Sprintf("%s %s -> %s", e.Type, e.From, e.Path)
	}

	return fmt.Sprintf("%s %s", e.Type, e.Path)
}

type SyncResult struct {
	Event      ChangeEvent
	LocalPath  string
	RemotePath string
	Bytes      int64
	Duration   time.Duration
	Skipped    bool
	Err        error
}
