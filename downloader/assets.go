package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/onnwee/songbot/config"
)

// ErrAssetMissing means no cached asset exists for the song.
var ErrAssetMissing = errors.New("downloader: asset not cached")

// Asset is a cached song file.
type Asset struct {
	SongID   uuid.UUID
	Location string // path or URL the audio device can open
	Size     int64
}

// AssetStore caches downloaded audio and hands out locations for playback.
type AssetStore interface {
	Put(ctx context.Context, songID uuid.UUID, r io.Reader, size int64) (Asset, error)
	Locate(ctx context.Context, songID uuid.UUID) (string, error)
	Remove(ctx context.Context, songID uuid.UUID) error
}

// NewAssetStore builds the backend selected by cfg.AssetBackend.
func NewAssetStore(ctx context.Context, cfg *config.Config) (AssetStore, error) {
	if err := cfg.ValidateAssetBackend(); err != nil {
		return nil, err
	}
	if cfg.AssetBackend == config.AssetBackendMinio {
		return NewMinioStore(ctx, cfg)
	}
	return NewLocalStore(cfg.DataDir)
}

func objectName(songID uuid.UUID) string { return songID.String() + ".mp3" }

// LocalStore keeps assets under <dataDir>/songs/<id>.mp3.
type LocalStore struct {
	dir string
}

// NewLocalStore creates the songs directory if needed.
func NewLocalStore(dataDir string) (*LocalStore, error) {
	dir := filepath.Join(dataDir, "songs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create asset dir: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

func (l *LocalStore) path(songID uuid.UUID) string {
	return filepath.Join(l.dir, objectName(songID))
}

// Put writes r to a temp file and renames it into place, so a partial download is never
// visible under the final name.
func (l *LocalStore) Put(ctx context.Context, songID uuid.UUID, r io.Reader, _ int64) (Asset, error) {
	tmp, err := os.CreateTemp(l.dir, objectName(songID)+".*.part")
	if err != nil {
		return Asset{}, fmt.Errorf("create temp: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return Asset{}, fmt.Errorf("write asset: %w", err)
	}
	final := l.path(songID)
	if err := os.Rename(tmp.Name(), final); err != nil {
		_ = os.Remove(tmp.Name())
		return Asset{}, fmt.Errorf("rename asset: %w", err)
	}
	return Asset{SongID: songID, Location: final, Size: n}, nil
}

// Locate returns the file path, or ErrAssetMissing.
func (l *LocalStore) Locate(_ context.Context, songID uuid.UUID) (string, error) {
	p := l.path(songID)
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrAssetMissing
		}
		return "", fmt.Errorf("stat asset: %w", err)
	}
	return p, nil
}

// Remove deletes the cached file. Missing files are not an error.
func (l *LocalStore) Remove(_ context.Context, songID uuid.UUID) error {
	if err := os.Remove(l.path(songID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove asset: %w", err)
	}
	return nil
}

// MinioStore keeps assets in an S3-compatible bucket. Playback uses presigned URLs.
type MinioStore struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

// NewMinioStore connects and makes sure the bucket exists.
func NewMinioStore(ctx context.Context, cfg *config.Config) (*MinioStore, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
		slog.Info("created asset bucket", slog.String("bucket", cfg.MinioBucket))
	}
	return &MinioStore{client: client, bucket: cfg.MinioBucket, expiry: time.Hour}, nil
}

// Put uploads r. A size of -1 streams with multipart upload.
func (m *MinioStore) Put(ctx context.Context, songID uuid.UUID, r io.Reader, size int64) (Asset, error) {
	info, err := m.client.PutObject(ctx, m.bucket, objectName(songID), r, size, minio.PutObjectOptions{
		ContentType: "audio/mpeg",
	})
	if err != nil {
		return Asset{}, fmt.Errorf("upload asset: %w", err)
	}
	loc, err := m.Locate(ctx, songID)
	if err != nil {
		return Asset{}, err
	}
	return Asset{SongID: songID, Location: loc, Size: info.Size}, nil
}

// Locate returns a presigned GET URL valid for an hour.
func (m *MinioStore) Locate(ctx context.Context, songID uuid.UUID) (string, error) {
	name := objectName(songID)
	if _, err := m.client.StatObject(ctx, m.bucket, name, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", ErrAssetMissing
		}
		return "", fmt.Errorf("stat asset: %w", err)
	}
	u, err := m.client.PresignedGetObject(ctx, m.bucket, name, m.expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign asset: %w", err)
	}
	return u.String(), nil
}

// Remove deletes the object.
func (m *MinioStore) Remove(ctx context.Context, songID uuid.UUID) error {
	if err := m.client.RemoveObject(ctx, m.bucket, objectName(songID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove asset: %w", err)
	}
	return nil
}
