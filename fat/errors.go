package fat

import "errors"

// Errors returned by the engine. Callers are expected to test with
// errors.Is; most of these wrap additional context on the way out.
var (
	// ErrNotFound means the named entry does not exist in the directory.
	ErrNotFound = errors.New("file does not exist")
	// ErrExist means the target name is already taken.
	ErrExist = errors.New("file already exists")
	// ErrNotEmpty is returned when removing a directory that still has
	// entries other than . and ..
	ErrNotEmpty = errors.New("directory not empty")
	// ErrNotDir is returned when a file shows up where a directory is needed.
	ErrNotDir = errors.New("not a directory")
	// ErrIsDir is returned when a directory shows up where a file is needed.
	ErrIsDir = errors.New("is a directory")
	// ErrNameTooLong is returned for names longer than 255 UTF-16 units.
	ErrNameTooLong = errors.New("name too long")
	// ErrInvalidName is returned for names FAT cannot store at all.
	ErrInvalidName = errors.New("invalid name")
	// ErrNoSpace is returned when a full FAT scan finds no free cluster.
	ErrNoSpace = errors.New("no space left on device")
	// ErrCorruptChain is returned when a FAT chain references a cluster
	// outside the volume or fails to terminate within the cluster count.
	ErrCorruptChain = errors.New("invalid cluster chain")
	// ErrStale means a cached entry location no longer matches the slot on
	// disk, usually because of a concurrent rename or delete.
	ErrStale = errors.New("stale file reference")
	// ErrCyclicMove is returned when a directory would be moved into its own
	// subtree.
	ErrCyclicMove = errors.New("cannot move directory below itself")
	// ErrReadOnly is returned by mutating operations on a read-only mount.
	ErrReadOnly = errors.New("read-only filesystem")
	// ErrIO wraps failures of the backing device.
	ErrIO = errors.New("i/o error")
)
