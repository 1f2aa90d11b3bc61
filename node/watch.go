package node

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/securesocketfunneling/ssf-sub003/internal/lifecycle"
	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
)

// Watcher invokes a callback whenever one of a set of files changes on
// disk. The server watches its TLS material so rotated certificates apply
// to subsequent handshakes; the client watches its circuit file and
// bounces the link so the new route takes effect.
type Watcher struct {
	lifecycle.Helper
	logger   sslog.Logger
	fsw      *fsnotify.Watcher
	onChange func(path string)
}

// NewWatcher builds a Watcher over paths (empty entries are skipped),
// calling onChange with the changed path. Paths that cannot be watched are
// logged and skipped rather than failing the whole watcher.
func NewWatcher(logger sslog.Logger, paths []string, onChange func(path string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{logger: logger.Fork("Watcher"), fsw: fsw, onChange: onChange}
	w.Init(w.logger, w)

	watched := 0
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := fsw.Add(p); err != nil {
			w.logger.WLogf("node: cannot watch %s: %s", p, err)
			continue
		}
		watched++
	}
	if watched == 0 {
		fsw.Close()
		return nil, nil
	}
	return w, nil
}

func (w *Watcher) HandleOnceShutdown(completionErr error) error {
	if err := w.fsw.Close(); err != nil && completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Start begins delivering change callbacks until ctx is done or Close is
// called.
func (w *Watcher) Start(ctx context.Context) error {
	return w.DoOnceActivate(func() error {
		w.ShutdownOnContext(ctx)
		go w.loop()
		return nil
	}, true)
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.logger.ILogf("node: %s changed", ev.Name)
				w.onChange(ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WLogf("node: watch error: %s", err)
		}
	}
}
