// Package backup exports a point-in-time snapshot of one index's files
// (index, data, hash, modify log) to object storage. The snapshot is
// taken while the index is held under a Shared lock, so concurrent
// readers are unaffected and the exported files are mutually consistent
// with each other (no torn write lands between reading them).
package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
)

// Source names the files making up one index's on-disk state, as
// returned by the engine for a given directory/prefix.
type Source struct {
	Dir   string
	Files []string // base names within Dir: index file, data file, hash db, modify log
}

// S3Target uploads a Source's files under bucket/prefix using the AWS SDK
// v2 managed uploader, which picks single-part or multipart upload
// depending on file size.
type S3Target struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

// Upload satisfies Target.
func (t S3Target) Upload(ctx context.Context, src Source) error {
	uploader := manager.NewUploader(t.Client)
	for _, name := range src.Files {
		f, err := os.Open(filepath.Join(src.Dir, name))
		if err != nil {
			return fmt.Errorf("open %s for backup: %w", name, err)
		}
		_, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(t.Bucket),
			Key:    aws.String(filepath.ToSlash(filepath.Join(t.Prefix, name))),
			Body:   f,
		})
		f.Close()
		if err != nil {
			return fmt.Errorf("upload %s: %w", name, err)
		}
	}
	return nil
}

// MinioTarget uploads a Source's files to an S3-compatible endpoint via
// minio-go, for on-premises object storage that doesn't speak the AWS
// control plane.
type MinioTarget struct {
	Client *minio.Client
	Bucket string
	Prefix string
}

// Upload satisfies Target.
func (t MinioTarget) Upload(ctx context.Context, src Source) error {
	for _, name := range src.Files {
		data, err := os.ReadFile(filepath.Join(src.Dir, name))
		if err != nil {
			return fmt.Errorf("read %s for backup: %w", name, err)
		}
		key := filepath.ToSlash(filepath.Join(t.Prefix, name))
		_, err = t.Client.PutObject(ctx, t.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
		if err != nil {
			return fmt.Errorf("upload %s: %w", name, err)
		}
	}
	return nil
}

// Target is anywhere a Source's files can be exported to.
type Target interface {
	Upload(ctx context.Context, src Source) error
}

// Run copies every file in src to dst. Callers are responsible for
// holding the index under at least a Shared lock for the duration so the
// files being read stay mutually consistent.
func Run(ctx context.Context, dst Target, src Source) error {
	return dst.Upload(ctx, src)
}

// CopyFile is a helper for Target implementations that need an io.Reader
// over one file rather than its full contents in memory.
func CopyFile(w io.Writer, dir, name string) error {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
