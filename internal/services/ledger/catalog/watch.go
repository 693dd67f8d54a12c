package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces the bursts of writes editors produce on save.
const DefaultDebounce = 250 * time.Millisecond

type watchConfig struct {
	debounce time.Duration
	onImport func(Report, error)
}

// WatchOption configures Watch.
type WatchOption func(*watchConfig)

// WithDebounce sets how long the catalog must be quiet before a re-import.
func WithDebounce(d time.Duration) WatchOption {
	return func(c *watchConfig) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithImportHook is called after the initial import and every re-import.
func WithImportHook(fn func(Report, error)) WatchOption {
	return func(c *watchConfig) {
		c.onImport = fn
	}
}

// Watch imports the catalog at path and re-imports it whenever the file or
// one of its policy files changes, until ctx is done. The initial import
// error is returned; later failures are logged and the previous
// definitions stay in effect.
func (i *Importer) Watch(ctx context.Context, path string, opts ...WatchOption) error {
	cfg := watchConfig{debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(&cfg)
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve catalog path: %w", err)
	}

	doc, err := Load(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	defer watcher.Close()

	// Directories are watched rather than files so atomic renames on save
	// keep being observed.
	watched := map[string]bool{}
	tracked := map[string]bool{}
	track := func(doc Document) error {
		clear(tracked)
		tracked[path] = true
		for _, file := range policyFiles(path, doc) {
			tracked[file] = true
		}
		for file := range tracked {
			dir := filepath.Dir(file)
			if watched[dir] {
				continue
			}
			if err := watcher.Add(dir); err != nil {
				return fmt.Errorf("watch %s: %w", dir, err)
			}
			watched[dir] = true
		}
		return nil
	}
	if err := track(doc); err != nil {
		return err
	}
	report, err := i.Import(ctx, doc)
	if err != nil {
		return err
	}
	if cfg.onImport != nil {
		cfg.onImport(report, nil)
	}
	i.logger.Info("watching catalog", zap.String("path", path))

	timer := time.NewTimer(cfg.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !tracked[filepath.Clean(evt.Name)] || evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(cfg.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			i.logger.Warn("catalog watcher error", zap.Error(err))

		case <-timer.C:
			report, err := i.reload(ctx, path, track)
			if err != nil {
				i.logger.Warn("catalog reload failed", zap.String("path", path), zap.Error(err))
			}
			if cfg.onImport != nil {
				cfg.onImport(report, err)
			}
		}
	}
}

func (i *Importer) reload(ctx context.Context, path string, track func(Document) error) (Report, error) {
	doc, err := Load(path)
	if err != nil {
		return Report{}, err
	}
	if err := track(doc); err != nil {
		return Report{}, err
	}
	return i.Import(ctx, doc)
}

// policyFiles lists the absolute policy paths a catalog references.
func policyFiles(catalogPath string, doc Document) []string {
	var files []string
	for _, c := range doc.Controls {
		if c.PolicyFile == "" {
			continue
		}
		file := c.PolicyFile
		if !filepath.IsAbs(file) {
			file = filepath.Join(filepath.Dir(catalogPath), file)
		}
		files = append(files, filepath.Clean(file))
	}
	return files
}
