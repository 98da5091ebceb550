package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads the config file when it changes on disk and notifies
// subscribers. Reloads that fail validation are logged and skipped, keeping
// the last good config in effect.
type Watcher struct {
	path string
	fw   *fsnotify.Watcher

	mu   sync.RWMutex
	cfg  Config
	subs map[chan Config]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// Watch starts watching the given config file. The initial config must
// already be loaded by the caller.
func Watch(path string, initial Config) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors replace files on save and
	// the inode-level watch would be lost.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path: path,
		fw:   fw,
		cfg:  initial,
		subs: make(map[chan Config]struct{}),
		done: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Current returns the last good config.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Updates returns a channel receiving each reloaded config and a cancel
// function to unsubscribe.
func (w *Watcher) Updates() (<-chan Config, func()) {
	ch := make(chan Config, 1)
	w.mu.Lock()
	w.subs[ch] = struct{}{}
	w.mu.Unlock()

	cancel := func() {
		w.mu.Lock()
		if _, ok := w.subs[ch]; ok {
			delete(w.subs, ch)
			close(ch)
		}
		w.mu.Unlock()
	}
	return ch, cancel
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fw.Close()
	})
	return err
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logrus.WithError(err).Warn("config watch error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"path":  w.path,
			"error": err,
		}).Warn("config reload rejected, keeping previous")
		return
	}

	w.mu.Lock()
	w.cfg = cfg
	for ch := range w.subs {
		select {
		case ch <- cfg:
		default:
		}
	}
	w.mu.Unlock()

	logrus.WithField("path", w.path).Info("config reloaded")
}
