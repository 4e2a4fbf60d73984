package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Kind selects the archive partition for a processed file.
type Kind string

const (
	KindSuccess   Kind = "success"
	KindDuplicate Kind = "duplicate"
	KindUnmatched Kind = "unmatched"
	KindError     Kind = "error"
)

const (
	StatusArchived = "ARCHIVED"
	StatusFailed   = "FAILED"
)

var ErrHashMismatch = errors.New("archive copy hash mismatch")

// Mirror receives a copy of every archived file. Failures are logged and do
// not undo the local archive.
type Mirror interface {
	Upload(ctx context.Context, key, path, hash string) error
}

type Result struct {
	Path   string
	Hash   string
	Reused bool
}

// Archiver moves processed files into a date-partitioned tree with a
// copy, verify, delete sequence.
type Archiver struct {
	root   string
	mirror Mirror
	logger *slog.Logger
	now    func() time.Time
}

func New(root string, mirror Mirror, logger *slog.Logger) *Archiver {
	return &Archiver{root: root, mirror: mirror, logger: logger, now: time.Now}
}

func (a *Archiver) Root() string {
	return a.root
}

// Dir returns the target directory for kind at time at.
func (a *Archiver) Dir(kind Kind, at time.Time) string {
	at = at.UTC()
	switch kind {
	case KindDuplicate:
		return filepath.Join(a.root, "duplicates")
	case KindUnmatched:
		return filepath.Join(a.root, "unmatched", at.Format("2006-01-02"))
	case KindError:
		return filepath.Join(a.root, "error", at.Format("2006-01-02"))
	}
	return filepath.Join(a.root, at.Format("2006"), at.Format("01"), at.Format("02"))
}

// Archive moves src into the partition for kind. A file with the same
// content already at the target is reused; a different one gets a _N
// suffix. The source is only removed after the copy hash is verified.
func (a *Archiver) Archive(ctx context.Context, src string, kind Kind) (Result, error) {
	srcHash, err := HashFile(src)
	if err != nil {
		return Result{}, fmt.Errorf("hash source: %w", err)
	}
	dir := a.Dir(kind, a.now())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create archive dir: %w", err)
	}
	name := filepath.Base(src)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	target := filepath.Join(dir, name)
	for n := 1; ; n++ {
		if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
			break
		}
		existing, err := HashFile(target)
		if err == nil && existing == srcHash {
			if err := os.Remove(src); err != nil {
				return Result{}, fmt.Errorf("remove source: %w", err)
			}
			if a.logger != nil {
				a.logger.Info("archive target already holds identical content", "file", name, "path", target)
			}
			return Result{Path: target, Hash: srcHash, Reused: true}, nil
		}
		target = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, n, ext))
	}

	if err := copyFile(src, target); err != nil {
		_ = os.Remove(target)
		return Result{}, fmt.Errorf("copy to archive: %w", err)
	}
	dstHash, err := HashFile(target)
	if err != nil || dstHash != srcHash {
		_ = os.Remove(target)
		if err == nil {
			err = fmt.Errorf("%w: src=%s dst=%s", ErrHashMismatch, srcHash, dstHash)
		}
		return Result{}, err
	}
	if err := os.Remove(src); err != nil {
		return Result{}, fmt.Errorf("remove source: %w", err)
	}
	res := Result{Path: target, Hash: srcHash}
	a.mirrorUpload(ctx, res)
	return res, nil
}

func (a *Archiver) mirrorUpload(ctx context.Context, res Result) {
	if a.mirror == nil {
		return
	}
	key, err := filepath.Rel(a.root, res.Path)
	if err != nil {
		key = filepath.Base(res.Path)
	}
	if err := a.mirror.Upload(ctx, filepath.ToSlash(key), res.Path, res.Hash); err != nil && a.logger != nil {
		a.logger.Warn("archive mirror upload failed", "path", res.Path, "err", err)
	}
}

// HashFile streams the file through sha256.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
