package densemap

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrCapacityExceeded is returned alongside a fusion result when some observations could not be
	// inserted because the arena is full. Merges still happened.
	ErrCapacityExceeded = errors.New("dense map is at capacity")
	// ErrCorruptMap is returned when a map file does not have the expected structure.
	ErrCorruptMap = errors.New("corrupt map file")
	// ErrBusy is returned by Reset and Load while a fusion or a pose write-back is in flight.
	ErrBusy = errors.New("dense map has work in flight")
	// ErrStaleEpoch is returned for work started before the map was reset or loaded.
	ErrStaleEpoch = errors.New("dense map changed since the work started")
	// ErrUntrackedFrame is returned when fusing a frame without a finalized pose.
	ErrUntrackedFrame = errors.New("frame has no tracked pose")
)

// AllocationError reports that a core buffer could not be allocated. It is the only fatal error of
// the map.
type AllocationError struct {
	Component string
	Size      int
	Cause     interface{}
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("cannot allocate %s of %d elements: %v", e.Component, e.Size, e.Cause)
}

// allocate makes a slice with the given capacity, reporting a failed allocation instead of
// crashing.
func allocate[T any](component string, size int) (out []T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &AllocationError{Component: component, Size: size, Cause: r}
		}
	}()
	return make([]T, 0, size), nil
}
