package forge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fsnotify/fsnotify"

	"skillforge/internal/logging"
)

// Artifacts are named <identifier>-<hash12><ext>; restore and the
// watcher recover the identifier from the file name.
var artifactNamePattern = regexp.MustCompile(`^(.+)-([0-9a-f]{12})$`)

// identifierFromArtifact extracts the skill identifier from an artifact
// file name, or "" when the name does not fit the scheme.
func identifierFromArtifact(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	if ext != ".so" && ext != ".dylib" && ext != ".dll" {
		return ""
	}
	stem := strings.TrimSuffix(base, ext)
	m := artifactNamePattern.FindStringSubmatch(stem)
	if m == nil {
		return ""
	}
	return m[1]
}

// RestoreArtifacts re-registers every artifact found in the artifact
// directory. Skills activated in a previous process survive a restart
// this way; a failing artifact is skipped, never fatal.
func (o *Operator) RestoreArtifacts() (int, error) {
	entries, err := os.ReadDir(o.cfg.ArtifactDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read artifact dir: %w", err)
	}

	restored := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(o.cfg.ArtifactDir, entry.Name())
		identifier := identifierFromArtifact(path)
		if identifier == "" {
			continue
		}
		if err := o.restoreOne(path, identifier); err != nil {
			logging.ForgeError("Skipping artifact %s on restore: %v", entry.Name(), err)
			continue
		}
		restored++
	}

	if restored > 0 {
		logging.Forge("Restored %d skill(s) from %s", restored, o.cfg.ArtifactDir)
	}
	return restored, nil
}

func (o *Operator) restoreOne(path, identifier string) error {
	module, err := o.loader.Load(path, identifier)
	if err != nil {
		return err
	}
	if _, err := o.bind(module, identifier, "restored from artifact"); err != nil {
		return err
	}
	o.mu.Lock()
	o.modules[identifier] = module
	o.mu.Unlock()
	logging.Forge("Restored %s from %s", identifier, path)
	return nil
}

// WatchArtifacts reacts to artifact directory changes while the process
// runs: a new artifact is loaded and bound, a removed artifact has its
// skill unbound. The watcher stops when ctx is done.
func (o *Operator) WatchArtifacts(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create artifact watcher: %w", err)
	}

	if err := os.MkdirAll(o.cfg.ArtifactDir, 0755); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}
	if err := watcher.Add(o.cfg.ArtifactDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch artifact dir: %w", err)
	}

	logging.Watch("Watching %s", o.cfg.ArtifactDir)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				logging.Watch("Artifact watcher stopped")
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				o.handleArtifactEvent(event)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.WatchDebug("Watcher error: %v", err)
			}
		}
	}()

	return nil
}

func (o *Operator) handleArtifactEvent(event fsnotify.Event) {
	identifier := identifierFromArtifact(event.Name)
	if identifier == "" {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		// The module, if loaded, stays mapped; only dispatch loses it.
		if o.registry.Unbind(identifier) {
			logging.Watch("Unbound %s: artifact removed", identifier)
		}
		o.mu.Lock()
		delete(o.modules, identifier)
		o.mu.Unlock()

	case event.Op.Has(fsnotify.Create):
		// Skip artifacts this process just produced; they are already
		// bound by the pipeline.
		if o.Registry().Has(identifier) {
			return
		}
		if err := o.restoreOne(event.Name, identifier); err != nil {
			logging.WatchDebug("Ignoring artifact %s: %v", event.Name, err)
			return
		}
		logging.Watch("Bound %s from new artifact", identifier)
	}
}
