package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/petervdpas/msgdrop/internal/config"
	"github.com/petervdpas/msgdrop/internal/transport"
	"github.com/petervdpas/msgdrop/internal/util"
)

// identityWatcher re-reads the config and token file whenever either
// changes on disk and reports a new identity.
type identityWatcher struct {
	dir     string
	cfgPath string
	watcher *fsnotify.Watcher
	current transport.Identity
	files   map[string]bool
	onSwap  func(transport.Identity)
}

func watchIdentity(dir, cfgPath string, cfg config.Config, onSwap func(transport.Identity)) (*identityWatcher, error) {
	cur, err := loadIdentity(dir, cfg)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	tokenPath := util.ResolvePath(dir, cfg.Identity.TokenFile)
	iw := &identityWatcher{
		dir:     dir,
		cfgPath: cfgPath,
		watcher: w,
		current: cur,
		files: map[string]bool{
			filepath.Clean(cfgPath):   true,
			filepath.Clean(tokenPath): true,
		},
		onSwap: onSwap,
	}

	// Watch directories: editors replace files by rename.
	dirs := map[string]bool{filepath.Dir(cfgPath): true, filepath.Dir(tokenPath): true}
	for d := range dirs {
		if err := w.Add(d); err != nil {
			w.Close()
			return nil, fmt.Errorf("watch %s: %w", d, err)
		}
	}
	return iw, nil
}

func (w *identityWatcher) run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.files[filepath.Clean(ev.Name)] || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("identity watcher: %v", err)
		}
	}
}

// reload reports the identity on disk if it differs from the current one.
func (w *identityWatcher) reload() bool {
	cfg, err := config.Load(w.cfgPath)
	if err != nil {
		log.Warnf("reload %s: %v", w.cfgPath, err)
		return false
	}
	next, err := loadIdentity(w.dir, cfg)
	if err != nil {
		log.Warnf("reload identity: %v", err)
		return false
	}
	if next == w.current || next.Token == "" {
		return false
	}
	log.Infof("identity changed on disk: %s/%s", next.Room, next.Participant)
	w.current = next
	w.onSwap(next)
	return true
}
