package dbengine

import (
	"os"
	"sync"

	"github.com/jmylchreest/streamcore/internal/streaming"
)

// openPaths tracks how many DBEngine instances currently hold a path open,
// so DeleteDatabase can wait for them to close before unlinking the file,
// rather than deleting out from under a live connection.
var (
	openMu    sync.Mutex
	openPaths = map[string]*sync.WaitGroup{}
)

// trackOpen registers one open reference to path. Call release() when the
// owning DBEngine is done with the file (typically from Destroy).
func trackOpen(path string) (release func()) {
	openMu.Lock()
	defer openMu.Unlock()

	wg, ok := openPaths[path]
	if !ok {
		wg = &sync.WaitGroup{}
		openPaths[path] = wg
	}
	wg.Add(1)

	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		wg.Done()
	}
}

// DeleteDatabase removes the SQLite file at path once every DBEngine
// instance that ever called trackOpen for it has released its reference.
// Safe to call even if path was never opened in this process.
func DeleteDatabase(path string) error {
	openMu.Lock()
	wg, ok := openPaths[path]
	openMu.Unlock()

	if ok {
		wg.Wait()
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return streaming.NewStorageError(streaming.CodeOperationAborted, "deleting database file "+path, err)
	}
	return nil
}
