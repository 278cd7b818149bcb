package announcer

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads document files when they change until ctx is cancelled. The
// parent directories are watched so that editors replacing the file by rename
// are noticed. It returns nil at once when no session comes from a file.
func (a *Announcer) Watch(ctx context.Context) error {
	tracked := make(map[string]struct{})
	dirs := make(map[string]struct{})
	for _, s := range a.Sessions() {
		if s.Path == "" {
			continue
		}
		p := filepath.Clean(s.Path)
		tracked[p] = struct{}{}
		dirs[filepath.Dir(p)] = struct{}{}
	}
	if len(tracked) == 0 {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			return err
		}
		a.log.WithField("dir", dir).Debug("watching session documents")
	}

	var (
		pending = make(map[string]struct{})
		timer   *time.Timer
		fire    <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			p := filepath.Clean(ev.Name)
			if _, ok := tracked[p]; !ok || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			pending[p] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(a.debounce)
			} else {
				timer.Reset(a.debounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			a.log.WithError(err).Warn("document watcher error")
		case <-fire:
			fire = nil
			if ctx.Err() != nil {
				return nil
			}
			for p := range pending {
				if err := a.Reload(p); err != nil {
					a.log.WithError(err).WithField("path", p).Warn("failed to reload session document")
				}
				delete(pending, p)
			}
		}
	}
}
