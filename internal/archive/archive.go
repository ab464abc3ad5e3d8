// Package archive keeps copies of durable records, malform exports and
// snapshots before administrative operations remove them.
//
// Two backends are provided: LocalArchive copies files into a directory tree
// and ObjectArchive uploads them to an S3-compatible bucket. Both name the
// copy by category and timestamp so repeated archives of the same file never
// overwrite each other.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ahrav/go-annotator/internal/config"
)

// TimestampLayout formats archive timestamps.
const TimestampLayout = "20060102_150405"

// ErrNotFound is returned when the file to archive does not exist.
var ErrNotFound = errors.New("archive source not found")

// Archiver stores a copy of a local file under category and returns where the
// copy lives.
type Archiver interface {
	Archive(ctx context.Context, localPath, category string) (string, error)
}

// New returns the archiver selected by cfg. Local archives are written under
// dir.
func New(cfg config.ArchiveConfig, dir string) (Archiver, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalArchive(dir), nil
	case "s3":
		return NewObjectArchive(cfg)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}

// stampedName inserts the timestamp before the extension: "1_urgency.xlsx"
// becomes "1_urgency_20250101_120000.xlsx".
func stampedName(localPath string, at time.Time) string {
	base := filepath.Base(localPath)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "_" + at.Format(TimestampLayout) + ext
}

func statSource(localPath string) (os.FileInfo, error) {
	info, err := os.Stat(localPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, localPath)
	}
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("archive %s: is a directory", localPath)
	}
	return info, nil
}

// LocalArchive copies files to <dir>/<category>/.
type LocalArchive struct {
	dir    string
	now    func() time.Time
	logger *slog.Logger
}

// NewLocalArchive returns a LocalArchive rooted at dir.
func NewLocalArchive(dir string) *LocalArchive {
	return &LocalArchive{
		dir:    dir,
		now:    time.Now,
		logger: slog.Default().With("component", "archive", "backend", "local"),
	}
}

// Dir returns the archive root.
func (a *LocalArchive) Dir() string { return a.dir }

// Archive implements Archiver. The copy keeps the source modification time.
func (a *LocalArchive) Archive(ctx context.Context, localPath, category string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	info, err := statSource(localPath)
	if err != nil {
		return "", err
	}

	destDir := filepath.Join(a.dir, category)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	dest := filepath.Join(destDir, stampedName(localPath, a.now()))
	if err := copyFile(localPath, dest, info); err != nil {
		return "", fmt.Errorf("archive %s: %w", localPath, err)
	}
	a.logger.Info("file archived", "source", localPath, "dest", dest)
	return dest, nil
}

func copyFile(src, dst string, info os.FileInfo) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	if err = out.Sync(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// ObjectArchive uploads files to an S3-compatible bucket as
// <category>/<name>_<timestamp><ext>.
type ObjectArchive struct {
	client *minio.Client
	bucket string
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	ensured bool
}

// NewObjectArchive connects to the bucket described by cfg. Credentials are
// read from the environment variables cfg names.
func NewObjectArchive(cfg config.ArchiveConfig) (*ObjectArchive, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("archive endpoint is required for the s3 backend")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("archive bucket is required for the s3 backend")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(os.Getenv(cfg.AccessKeyEnv), os.Getenv(cfg.SecretKeyEnv), ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return &ObjectArchive{
		client: client,
		bucket: bucket,
		now:    time.Now,
		logger: slog.Default().With("component", "archive", "backend", "s3", "bucket", bucket),
	}, nil
}

// ObjectName returns the key localPath is stored under.
func ObjectName(localPath, category string, at time.Time) string {
	return path.Join(category, stampedName(localPath, at))
}

// Archive implements Archiver. The bucket is created on first use.
func (a *ObjectArchive) Archive(ctx context.Context, localPath, category string) (string, error) {
	if _, err := statSource(localPath); err != nil {
		return "", err
	}
	if err := a.ensureBucket(ctx); err != nil {
		return "", err
	}
	name := ObjectName(localPath, category, a.now())
	if _, err := a.client.FPutObject(ctx, a.bucket, name, localPath, minio.PutObjectOptions{
		ContentType: contentType(localPath),
	}); err != nil {
		return "", fmt.Errorf("upload %s: %w", localPath, err)
	}
	loc := fmt.Sprintf("s3://%s/%s", a.bucket, name)
	a.logger.Info("file archived", "source", localPath, "dest", loc)
	return loc, nil
}

func (a *ObjectArchive) ensureBucket(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ensured {
		return nil
	}
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", a.bucket, err)
		}
	}
	a.ensured = true
	return nil
}

func contentType(localPath string) string {
	switch strings.ToLower(filepath.Ext(localPath)) {
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".json":
		return "application/json"
	case ".gz", ".tgz":
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}
