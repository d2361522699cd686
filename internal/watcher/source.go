package watcher

import "fmt"

type rawOp int

const (
	rawCreate rawOp = iota + 1
	rawWrite
	rawClose
	rawExisting
	rawRemove
	rawMovedFrom
	rawMovedTo
	rawOverflow
)

func (o rawOp) String() string {
	switch o {
	case rawCreate:
		return "create"
	case rawWrite:
		return "write"
	case rawClose:
		return "close"
	case rawExisting:
		return "existing"
	case rawRemove:
		return "remove"
	case rawMovedFrom:
		return "moved_from"
	case rawMovedTo:
		return "moved_to"
	case rawOverflow:
		return "overflow"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// rawEvent is one kernel notification with the watch descriptor already
// resolved to a path. rawExisting marks a file found while scanning a
// directory that appeared after its parent was watched.
type rawEvent struct {
	op     rawOp
	path   string
	cookie uint32
	dir    bool
}

type source interface {
	// AddDir watches dir, and every directory below it when recursive.
	AddDir(dir string, recursive bool) error
	Events() <-chan rawEvent
	Errors() <-chan error
	// CloseAware reports whether the source sees closes of written files.
	CloseAware() bool
	Close() error
}
