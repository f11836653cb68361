package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileToken is a provider for a token stored in a file. The file is watched
// and re-read whenever it is written, so a token refreshed by another process
// is picked up without a restart.
type FileToken struct {
	filename string
	mutex    sync.RWMutex
	token    string
	watcher  *fsnotify.Watcher
}

func NewFileToken(filename string) (*FileToken, error) {
	value, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create token watcher: %w", err)
	}

	ft := &FileToken{
		filename: filename,
		token:    strings.TrimSpace(string(value)),
		watcher:  watcher,
	}

	go ft.watch()

	if err := watcher.Add(filename); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch token file: %w", err)
	}

	return ft, nil
}

func (t *FileToken) watch() {
	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				t.reload()
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			logrus.WithError(err).WithField("file", t.filename).Warn("Token file watcher error")
		}
	}
}

func (t *FileToken) reload() {
	value, err := os.ReadFile(t.filename)
	if err != nil {
		logrus.WithError(err).WithField("file", t.filename).Warn("Failed to re-read token file")
		return
	}
	t.mutex.Lock()
	t.token = strings.TrimSpace(string(value))
	t.mutex.Unlock()
	logrus.WithField("file", t.filename).Debug("Token file reloaded")
}

func (t *FileToken) Token(ctx context.Context) (string, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	return t.token, t.token != ""
}

// Close stops watching the file.
func (t *FileToken) Close() error {
	return t.watcher.Close()
}
