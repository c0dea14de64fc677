package pillar

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"
)

var (
	// ErrFileNotFound is returned when a file is not in the archive
	ErrFileNotFound = errors.New("file not found")
	// ErrFileExists is returned when putting a file that is already archived
	ErrFileExists = errors.New("file already exists")
)

// File is one archived file with its cached checksums
type File struct {
	ID           string
	Data         []byte
	Size         int64
	LastModified time.Time
	checksums    map[string]checksumValue
}

type checksumValue struct {
	value        string
	calculatedAt time.Time
}

// ArchiveStats tracks operation counts and contents of an archive
type ArchiveStats struct {
	Gets     uint64 // Number of get operations
	Puts     uint64 // Number of put operations
	Replaces uint64 // Number of replace operations
	Deletes  uint64 // Number of delete operations
	Files    int    // Number of archived files
	Bytes    int64  // Total size of archived files
}

// Archive stores the files of one pillar in memory
// Uses sync.RWMutex for thread-safe concurrent access
type Archive struct {
	mu    sync.RWMutex
	files map[string]*File

	gets     atomic.Uint64
	puts     atomic.Uint64
	replaces atomic.Uint64
	deletes  atomic.Uint64
}

// NewArchive creates an empty archive
func NewArchive() *Archive {
	return &Archive{files: make(map[string]*File)}
}

// Put stores a new file
// Returns ErrFileExists if the file is already archived
func (a *Archive) Put(fileID string, data []byte) error {
	a.puts.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.files[fileID]; exists {
		return ErrFileExists
	}
	a.files[fileID] = newFile(fileID, data)
	return nil
}

// Replace overwrites an existing file
// Returns ErrFileNotFound if the file is not archived
func (a *Archive) Replace(fileID string, data []byte) error {
	a.replaces.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.files[fileID]; !exists {
		return ErrFileNotFound
	}
	a.files[fileID] = newFile(fileID, data)
	return nil
}

// Delete removes a file
// Returns ErrFileNotFound if the file is not archived
func (a *Archive) Delete(fileID string) error {
	a.deletes.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.files[fileID]; !exists {
		return ErrFileNotFound
	}
	delete(a.files, fileID)
	return nil
}

// Get returns a copy of the file contents
func (a *Archive) Get(fileID string) ([]byte, error) {
	a.gets.Add(1)
	a.mu.RLock()
	defer a.mu.RUnlock()

	f, exists := a.files[fileID]
	if !exists {
		return nil, ErrFileNotFound
	}
	return slices.Clone(f.Data), nil
}

// Has reports whether the file is archived
func (a *Archive) Has(fileID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, exists := a.files[fileID]
	return exists
}

// Info returns the size and modification time of a file
func (a *Archive) Info(fileID string) (size int64, modified time.Time, err error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	f, exists := a.files[fileID]
	if !exists {
		return 0, time.Time{}, ErrFileNotFound
	}
	return f.Size, f.LastModified, nil
}

// FileIDs returns the IDs of all archived files, sorted
func (a *Archive) FileIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]string, 0, len(a.files))
	for id := range a.files {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Checksum returns the checksum of a file, calculating and caching it on
// first use. The second result is the time it was calculated.
func (a *Archive) Checksum(fileID, checksumType string) (string, time.Time, error) {
	t, err := NormalizeChecksumType(checksumType)
	if err != nil {
		return "", time.Time{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	f, exists := a.files[fileID]
	if !exists {
		return "", time.Time{}, ErrFileNotFound
	}
	if cached, ok := f.checksums[t]; ok {
		return cached.value, cached.calculatedAt, nil
	}
	sum, err := Checksum(t, f.Data)
	if err != nil {
		return "", time.Time{}, err
	}
	cv := checksumValue{value: sum, calculatedAt: time.Now()}
	f.checksums[t] = cv
	return cv.value, cv.calculatedAt, nil
}

// Corrupt overwrites the stored bytes of a file without updating its
// checksums, as bit rot would. Used to exercise integrity checks.
func (a *Archive) Corrupt(fileID string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, exists := a.files[fileID]
	if !exists {
		return ErrFileNotFound
	}
	f.Data = slices.Clone(data)
	f.checksums = make(map[string]checksumValue)
	return nil
}

// Stats returns current archive statistics
func (a *Archive) Stats() ArchiveStats {
	a.mu.RLock()
	var total int64
	for _, f := range a.files {
		total += f.Size
	}
	files := len(a.files)
	a.mu.RUnlock()

	return ArchiveStats{
		Gets:     a.gets.Load(),
		Puts:     a.puts.Load(),
		Replaces: a.replaces.Load(),
		Deletes:  a.deletes.Load(),
		Files:    files,
		Bytes:    total,
	}
}

func newFile(id string, data []byte) *File {
	return &File{
		ID:           id,
		Data:         slices.Clone(data),
		Size:         int64(len(data)),
		LastModified: time.Now(),
		checksums:    make(map[string]checksumValue),
	}
}
