package gcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clipcaption/pipeline/internal/platform/logger"
)

func TestBucketServiceEmulatorCRUDLifecycle(t *testing.T) {
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("PIPELINE_RUN_GCS_EMULATOR_INTEGRATION")), "true") {
		t.Skip("set PIPELINE_RUN_GCS_EMULATOR_INTEGRATION=true to run emulator integration tests")
	}

	emulatorHost := strings.TrimSpace(os.Getenv("STORAGE_EMULATOR_HOST"))
	if emulatorHost == "" {
		emulatorHost = "http://127.0.0.1:4443"
	}
	emulatorHost = strings.TrimRight(emulatorHost, "/")

	if !isEmulatorReachable(t, emulatorHost) {
		t.Skipf("storage emulator not reachable at %s", emulatorHost)
	}

	suffix := time.Now().UnixNano()
	bucketName := fmt.Sprintf("pipeline-it-%d", suffix)
	createBucketIfMissing(t, emulatorHost, bucketName)

	t.Setenv("PIPELINE_GCS_BUCKET_NAME", bucketName)
	t.Setenv("STORAGE_EMULATOR_HOST", emulatorHost)

	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	defer log.Sync()

	bucket, err := NewBucketServiceWithConfig(log, ObjectStorageConfig{
		Mode:         ObjectStorageModeGCSEmulator,
		EmulatorHost: emulatorHost,
	})
	if err != nil {
		t.Fatalf("NewBucketServiceWithConfig: %v", err)
	}

	ctx := context.Background()
	prefix := fmt.Sprintf("it/%d", suffix)
	keyA := prefix + "/a.txt"

	if err := bucket.Put(ctx, keyA, strings.NewReader("alpha"), ""); err != nil {
		t.Fatalf("Put(%s): %v", keyA, err)
	}

	ok, err := bucket.Exists(ctx, keyA)
	if err != nil {
		t.Fatalf("Exists(%s): %v", keyA, err)
	}
	if !ok {
		t.Fatalf("expected %s to exist after Put", keyA)
	}

	body, err := bucket.Get(ctx, keyA)
	if err != nil {
		t.Fatalf("Get(%s): %v", keyA, err)
	}
	if string(body) != "alpha" {
		t.Fatalf("Get body: want=%q got=%q", "alpha", string(body))
	}

	localPath := filepath.Join(t.TempDir(), "a.txt")
	if err := bucket.DownloadTo(ctx, keyA, localPath); err != nil {
		t.Fatalf("DownloadTo(%s): %v", keyA, err)
	}
	local, err := os.ReadFile(localPath)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", localPath, err)
	}
	if string(local) != "alpha" {
		t.Fatalf("local file body: want=%q got=%q", "alpha", string(local))
	}

	resolved, err := bucket.Resolve(ctx, keyA, t.TempDir())
	if err != nil {
		t.Fatalf("Resolve(%s): %v", keyA, err)
	}
	if resolved == keyA {
		t.Fatalf("Resolve should return a local path, got blob key back: %s", resolved)
	}

	presigned, err := bucket.PresignGet(ctx, keyA, 5*time.Minute)
	if err != nil {
		t.Fatalf("PresignGet(%s): %v", keyA, err)
	}
	if presigned == "" {
		t.Fatalf("PresignGet returned empty URL")
	}
}

func isEmulatorReachable(t *testing.T, emulatorHost string) bool {
	t.Helper()
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(emulatorHost + "/storage/v1/b?project=local-dev")
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

func createBucketIfMissing(t *testing.T, emulatorHost string, bucket string) {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"name": bucket})
	if err != nil {
		t.Fatalf("json.Marshal(bucket): %v", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(
		http.MethodPost,
		emulatorHost+"/storage/v1/b?project=local-dev",
		bytes.NewReader(payload),
	)
	if err != nil {
		t.Fatalf("http.NewRequest(create bucket): %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("create bucket %q: %v", bucket, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusConflict {
		return
	}
	b, _ := io.ReadAll(resp.Body)
	t.Fatalf("create bucket %q failed: status=%d body=%s", bucket, resp.StatusCode, strings.TrimSpace(string(b)))
}
