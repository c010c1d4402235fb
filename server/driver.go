package server

import (
	"fmt"
	"os"
)

// Lister enumerates the entries of a directory for the LIST command.
//
// The server passes the session's working directory exactly as it was set by
// CWD (or the root directory), so implementations decide how to map that path
// onto their storage. Implementations should:
//   - Return one name per entry, without "." and ".."
//   - Return the entries in whatever order the backend yields them
//   - Return an error (typically wrapping os.ErrNotExist or os.ErrPermission)
//     when the directory cannot be read
//
// To serve listings from something other than the local disk (an archive, an
// object store, a test fixture), implement this interface and pass it with
// WithLister.
type Lister interface {
	List(dir string) ([]string, error)
}

// ListerFunc adapts an ordinary function to the Lister interface.
type ListerFunc func(dir string) ([]string, error)

// List calls f(dir).
func (f ListerFunc) List(dir string) ([]string, error) {
	return f(dir)
}

// FSLister implements Lister on the local filesystem.
//
// Entries come back in directory order as reported by the operating system;
// they are not sorted.
type FSLister struct{}

// List opens dir and reads all of its entry names.
func (FSLister) List(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}
