package proc

import (
	"errors"
	"os"
	"sync"
)

// fdSet tracks the pipe ends the orchestrator still owns so each one is
// closed exactly once, whichever exit path gets there first.
type fdSet struct {
	mu    sync.Mutex
	files map[*os.File]struct{}
}

func newFDSet() *fdSet {
	return &fdSet{files: make(map[*os.File]struct{})}
}

// pipe creates an OS pipe and records both ends.
func (s *fdSet) pipe() (r, w *os.File, err error) {
	r, w, err = os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	s.files[r] = struct{}{}
	s.files[w] = struct{}{}
	s.mu.Unlock()
	return r, w, nil
}

// close closes f if it is still tracked. Closing an untracked file is a
// no-op, so ownership can be handed off without double closes.
func (s *fdSet) close(f *os.File) error {
	if f == nil {
		return nil
	}
	s.mu.Lock()
	_, ok := s.files[f]
	delete(s.files, f)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return f.Close()
}

// release stops tracking f; the caller becomes responsible for closing it.
func (s *fdSet) release(f *os.File) *os.File {
	s.mu.Lock()
	delete(s.files, f)
	s.mu.Unlock()
	return f
}

// closeAll closes every tracked file.
func (s *fdSet) closeAll() error {
	s.mu.Lock()
	files := s.files
	s.files = make(map[*os.File]struct{})
	s.mu.Unlock()

	var errs []error
	for f := range files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// open returns how many files are still tracked.
func (s *fdSet) open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// openNull opens the null device and records it.
func (s *fdSet) openNull() (*os.File, error) {
	f, err := os.Open(os.DevNull)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.files[f] = struct{}{}
	s.mu.Unlock()
	return f, nil
}
