package gcp

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/clipcaption/pipeline/internal/platform/apierr"
	"github.com/clipcaption/pipeline/internal/platform/logger"
)

// BlobStore is the Blob Store Gateway contract (§4.1): put/get/exists/
// download_to/presign_get against one bucket, with keys under caller
// control. The gateway tolerates a caller passing a string that may be
// either a blob key or a local filesystem path: Resolve probes the blob
// store first, then the local filesystem, so callers migrating from
// local-only deployments don't have to know which kind of string they
// hold.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	DownloadTo(ctx context.Context, key, localPath string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Resolve returns a local, readable file path for ref, which may
	// already be a local path or a blob key. It downloads to a temp file
	// in the latter case.
	Resolve(ctx context.Context, ref, workDir string) (string, error)
}

type bucketService struct {
	log           *logger.Logger
	storageClient *storage.Client
	storageMode   ObjectStorageMode
	emulatorHost  string
	bucketName    string
}

func NewBucketService(log *logger.Logger) (BlobStore, error) {
	storageCfg, err := ResolveObjectStorageConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("resolve object storage config: %w", err)
	}
	return NewBucketServiceWithConfig(log, storageCfg)
}

func NewBucketServiceWithConfig(log *logger.Logger, storageCfg ObjectStorageConfig) (BlobStore, error) {
	if err := ValidateObjectStorageConfig(storageCfg); err != nil {
		return nil, fmt.Errorf("validate object storage config: %w", err)
	}
	serviceLog := log.With("service", "BlobStore")

	bucketName := strings.TrimSpace(os.Getenv("PIPELINE_GCS_BUCKET_NAME"))
	if bucketName == "" {
		return nil, fmt.Errorf("missing env var PIPELINE_GCS_BUCKET_NAME")
	}

	ctx := context.Background()
	stClient, err := newStorageClientForMode(ctx, storageCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	serviceLog.Info("blob store initialized",
		"mode", storageCfg.Mode,
		"mode_source", storageCfg.ModeSource(),
		"bucket", bucketName,
	)

	return &bucketService{
		log:           serviceLog,
		storageClient: stClient,
		storageMode:   storageCfg.Mode,
		emulatorHost:  strings.TrimRight(strings.TrimSpace(storageCfg.EmulatorHost), "/"),
		bucketName:    bucketName,
	}, nil
}

func newStorageClientForMode(ctx context.Context, storageCfg ObjectStorageConfig) (*storage.Client, error) {
	switch storageCfg.Mode {
	case ObjectStorageModeGCS:
		opts := ClientOptionsFromEnv()
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
		return storage.NewClient(ctx, opts...)
	case ObjectStorageModeGCSEmulator:
		endpoint := strings.TrimRight(strings.TrimSpace(storageCfg.EmulatorHost), "/")
		_ = os.Setenv("STORAGE_EMULATOR_HOST", endpoint)
		opts := []option.ClientOption{option.WithoutAuthentication()}
		return storage.NewClient(ctx, opts...)
	default:
		return nil, &ObjectStorageConfigError{Code: ObjectStorageConfigErrorInvalidMode, Mode: string(storageCfg.Mode)}
	}
}

func (bs *bucketService) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	w := bs.storageClient.Bucket(bs.bucketName).Object(key).NewWriter(ctx)
	if contentType == "" {
		contentType = contentTypeForKey(key)
	}
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return apierr.Storage("blob_write_failed", err)
	}
	if err := w.Close(); err != nil {
		return apierr.Storage("blob_close_failed", err)
	}
	return nil
}

func contentTypeForKey(key string) string {
	s := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.HasSuffix(s, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(s, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(s, ".flac"):
		return "audio/flac"
	case strings.HasSuffix(s, ".json"):
		return "application/json"
	default:
		return ""
	}
}

func (bs *bucketService) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	r, err := bs.storageClient.Bucket(bs.bucketName).Object(key).NewReader(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return nil, apierr.Input("blob_not_found", err)
		}
		return nil, apierr.Storage("blob_read_failed", err)
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, apierr.Storage("blob_read_failed", err)
	}
	return b, nil
}

func (bs *bucketService) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := bs.storageClient.Bucket(bs.bucketName).Object(key).Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, apierr.Storage("blob_stat_failed", err)
	}
	return true, nil
}

func (bs *bucketService) DownloadTo(ctx context.Context, key, localPath string) error {
	b, err := bs.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return apierr.Storage("mkdir_failed", err)
	}
	if err := os.WriteFile(localPath, b, 0o644); err != nil {
		return apierr.Storage("write_local_failed", err)
	}
	return nil
}

// PresignGet returns a time-limited signed URL for reading key. In
// emulator mode there is no real signing authority, so a best-effort
// direct media URL is returned instead — sufficient for local/dev use.
func (bs *bucketService) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if IsEmulatorObjectStorageMode(bs.storageMode) {
		return fmt.Sprintf("%s/storage/v1/b/%s/o/%s?alt=media",
			bs.emulatorHost, url.PathEscape(bs.bucketName), url.PathEscape(key)), nil
	}
	u, err := bs.storageClient.Bucket(bs.bucketName).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", apierr.Storage("presign_failed", err)
	}
	return u, nil
}

// Resolve implements the dual-addressing contract of §4.1: probe the blob
// store first, then the local filesystem.
func (bs *bucketService) Resolve(ctx context.Context, ref, workDir string) (string, error) {
	if ref == "" {
		return "", apierr.Input("empty_ref", fmt.Errorf("blob ref is empty"))
	}
	if ok, err := bs.Exists(ctx, ref); err == nil && ok {
		local := filepath.Join(workDir, filepath.Base(ref))
		if err := bs.DownloadTo(ctx, ref, local); err != nil {
			return "", err
		}
		return local, nil
	}
	if _, err := os.Stat(ref); err == nil {
		return ref, nil
	}
	return "", apierr.Input("ref_not_found", fmt.Errorf("%q is neither a blob key nor a local path", ref))
}
