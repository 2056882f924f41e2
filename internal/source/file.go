package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"cambanzo/internal/pipeline"
)

const defaultCapturePattern = `(?i)\.jpe?g$`

// FileSource reads frames from a fixed image file or cycles through the
// matching images of a directory. No network dependency; used mainly for
// testing and offline replay of previously captured batches.
type FileSource struct {
	id      string
	path    string
	pattern *regexp.Regexp

	mu     sync.Mutex
	isDir  bool
	files  []string
	cursor int
}

func newFileSource(cfg Config) (*FileSource, error) {
	pattern := cfg.CaptureRegexp
	if pattern == "" {
		pattern = defaultCapturePattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("camera %s: invalid capture regexp %q: %v", cfg.ID, pattern, err)
	}

	return &FileSource{
		id:      cfg.ID,
		path:    cfg.URL,
		pattern: re,
	}, nil
}

// Kind implements Source
func (f *FileSource) Kind() string { return "file" }

// Open implements Source
func (f *FileSource) Open(ctx context.Context) error {
	info, err := os.Stat(f.path)
	if err != nil {
		return fmt.Errorf("%w: camera %s path %s: %v", ErrConnection, f.id, f.path, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.isDir = info.IsDir()
	f.cursor = 0
	if !f.isDir {
		f.files = []string{f.path}
		return nil
	}

	files, err := f.scan()
	if err != nil {
		return err
	}
	f.files = files
	return nil
}

// Capture implements Source
func (f *FileSource) Capture(ctx context.Context) (*pipeline.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.files) == 0 {
		return nil, fmt.Errorf("%w: camera %s not open", ErrStream, f.id)
	}

	// Rescan on wrap so newly captured images join the rotation
	if f.isDir && f.cursor >= len(f.files) {
		files, err := f.scan()
		if err != nil {
			return nil, err
		}
		f.files = files
		f.cursor = 0
	}
	if f.cursor >= len(f.files) {
		f.cursor = 0
	}

	path := f.files[f.cursor]
	f.cursor++

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: camera %s read %s: %v", ErrStream, f.id, path, err)
	}

	return &pipeline.Frame{
		CameraID:  f.id,
		Timestamp: time.Now(),
		Data:      data,
	}, nil
}

// Close implements Source
func (f *FileSource) Close() error {
	f.mu.Lock()
	f.files = nil
	f.cursor = 0
	f.mu.Unlock()
	return nil
}

// scan lists matching files in lexical order. Caller holds the lock.
func (f *FileSource) scan() ([]string, error) {
	entries, err := os.ReadDir(f.path)
	if err != nil {
		return nil, fmt.Errorf("%w: camera %s list %s: %v", ErrConnection, f.id, f.path, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if f.pattern.MatchString(entry.Name()) {
			files = append(files, filepath.Join(f.path, entry.Name()))
		}
	}
	sort.Strings(files)

	if len(files) == 0 {
		return nil, fmt.Errorf("%w: camera %s: no images matching %s in %s", ErrConnection, f.id, f.pattern, f.path)
	}
	return files, nil
}
