// Package modelfs finds model files on disk and imports them into the
// application's model directory.
package modelfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	MaxDepth = 3

	copyBufSize  = 1 << 20
	progressStep = 5
)

var (
	ErrNotFound = errors.New("modelfs: no model found")
	ErrTooSmall = errors.New("modelfs: model file too small")
)

// Locations is where models are looked for. App is searched first; the
// download dirs only when App has nothing usable.
type Locations struct {
	App       string
	Downloads []string
}

func DefaultDownloads() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{filepath.Join(home, "Downloads")}
}

// FindFile returns the largest file with extension ext and at least minSize
// bytes. Undersized matches inside the app dir are partial copies and are
// removed.
func FindFile(loc Locations, ext string, minSize int64) (string, error) {
	return FindFileFunc(loc, func(name string) bool { return hasExt(name, ext) }, minSize)
}

// FindFileFunc is FindFile with an arbitrary file name matcher.
func FindFileFunc(loc Locations, match func(name string) bool, minSize int64) (string, error) {
	if loc.App != "" {
		best, small := largest(loc.App, match, minSize)
		for _, p := range small {
			slog.Warn("Removing incomplete model file", "path", p)
			if err := os.Remove(p); err != nil {
				slog.Warn("Failed to remove incomplete model", "path", p, "err", err)
			}
		}
		if best != "" {
			return best, nil
		}
	}

	for _, dir := range loc.Downloads {
		if best, _ := largest(dir, match, minSize); best != "" {
			return best, nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNotFound, strings.Join(loc.dirs(), ", "))
}

func (l Locations) dirs() []string {
	var out []string
	if l.App != "" {
		out = append(out, l.App)
	}
	return append(out, l.Downloads...)
}

func largest(root string, match func(string) bool, minSize int64) (best string, small []string) {
	var bestSize int64 = -1

	walk(root, func(path string, d fs.DirEntry) bool {
		if d.IsDir() || !match(d.Name()) {
			return false
		}
		info, err := d.Info()
		if err != nil {
			return false
		}
		if info.Size() < minSize {
			small = append(small, path)
			return false
		}
		if info.Size() > bestSize {
			best, bestSize = path, info.Size()
		}
		return false
	})
	return best, small
}

// walk visits entries below root up to MaxDepth levels deep in lexical
// order. visit returns true to stop.
func walk(root string, visit func(path string, d fs.DirEntry) bool) {
	root = filepath.Clean(root)
	base := strings.Count(root, string(filepath.Separator))

	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if path == root {
			return nil
		}
		if d.IsDir() && strings.Count(path, string(filepath.Separator))-base > MaxDepth {
			return filepath.SkipDir
		}
		if visit(path, d) {
			return filepath.SkipAll
		}
		return nil
	})
}

func hasExt(name, ext string) bool {
	return strings.EqualFold(filepath.Ext(name), ext)
}

// Import copies src into destDir under its own name, reporting whole
// percentages through progress at most every 5% plus a final 100. Other
// files with the same extension in destDir are removed first. A copy that
// fails or ends up smaller than minSize is deleted.
func Import(ctx context.Context, src, destDir string, minSize int64, progress func(pct int)) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("modelfs: open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return "", fmt.Errorf("modelfs: stat source: %w", err)
	}
	total := info.Size()
	if total < minSize {
		return "", fmt.Errorf("%w: %s is %d bytes, need %d", ErrTooSmall, src, total, minSize)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("modelfs: create model dir: %w", err)
	}

	name := filepath.Base(src)
	dest := filepath.Join(destDir, name)
	ext := filepath.Ext(name)

	entries, err := os.ReadDir(destDir)
	if err != nil {
		return "", fmt.Errorf("modelfs: read model dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == name || !hasExt(e.Name(), ext) {
			continue
		}
		slog.Info("Removing previous model", "name", e.Name())
		os.Remove(filepath.Join(destDir, e.Name()))
	}

	if err := copyFile(ctx, in, dest, total, progress); err != nil {
		os.Remove(dest)
		return "", err
	}

	st, err := os.Stat(dest)
	if err != nil || st.Size() < minSize || st.Size() != total {
		os.Remove(dest)
		return "", fmt.Errorf("modelfs: incomplete copy of %s", src)
	}
	return dest, nil
}

func copyFile(ctx context.Context, in io.Reader, dest string, total int64, progress func(int)) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("modelfs: create %s: %w", dest, err)
	}
	defer out.Close()

	buf := make([]byte, copyBufSize)
	var (
		written int64
		last    int
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, rerr := in.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("modelfs: write: %w", err)
			}
			written += int64(n)

			if total > 0 && progress != nil {
				if pct := int(written * 100 / total); pct >= last+progressStep {
					last = pct
					progress(pct)
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("modelfs: read: %w", rerr)
		}
	}
	if progress != nil && total > 0 && last < 100 {
		progress(100)
	}

	return out.Close()
}
