package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/gogpu/drawbatch"
)

// Watcher reloads a configuration file when it changes.
type Watcher struct {
	path string
	fs   *fsnotify.Watcher

	onChange func(File)
	onError  func(error)

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Watch calls onChange with the reparsed file every time path is written
// or replaced. Parse failures go to onError, which may be nil; the last
// good configuration stays in effect.
//
// The parent directory is watched rather than the file, so editors that
// save by rename are handled.
func Watch(path string, onChange func(File), onError func(error)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(abs)); err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	w := &Watcher{
		path:     abs,
		fs:       fs,
		onChange: onChange,
		onError:  onError,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.fail(fmt.Errorf("config: watch: %w", err))
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	f, err := Load(w.path)
	if err != nil {
		w.fail(err)
		return
	}
	drawbatch.Logger().Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(f)
	}
}

func (w *Watcher) fail(err error) {
	drawbatch.Logger().Warn("config: reload failed", "path", w.path, "err", err)
	if w.onError != nil {
		w.onError(err)
	}
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fs.Close()
		w.wg.Wait()
	})
	return err
}

// Reconfigurer is implemented by *drawbatch.Executor.
type Reconfigurer interface {
	Reconfigure(drawbatch.Config) error
}

// WatchExecutor hot-reloads path into r.
func WatchExecutor(path string, r Reconfigurer) (*Watcher, error) {
	return Watch(path, func(f File) {
		if err := r.Reconfigure(f.Config()); err != nil {
			drawbatch.Logger().Warn("config: reconfigure rejected", "path", path, "err", err)
		}
	}, nil)
}
