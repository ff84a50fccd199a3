package gcp

import (
	"testing"
)

func TestContentTypeForKeyKnownExtensions(t *testing.T) {
	cases := []struct {
		key  string
		want string
	}{
		{"audio/clip.mp3", "audio/mpeg"},
		{"audio/raw.WAV", "audio/wav"},
		{"audio/raw.flac", "audio/flac"},
		{"artifacts/seg.json", "application/json"},
		{"artifacts/seg.unknown", ""},
	}
	for _, tc := range cases {
		if got := contentTypeForKey(tc.key); got != tc.want {
			t.Fatalf("contentTypeForKey(%q): want=%q got=%q", tc.key, tc.want, got)
		}
	}
}

func TestPresignGetEmulatorModeBuildsMediaURL(t *testing.T) {
	bs := &bucketService{
		storageMode:  ObjectStorageModeGCSEmulator,
		emulatorHost: "http://fake-gcs:4443",
		bucketName:   "pipeline-bucket",
	}

	got, err := bs.PresignGet(nil, "jobs/abc/audio.mp3", 0)
	if err != nil {
		t.Fatalf("PresignGet: %v", err)
	}
	want := "http://fake-gcs:4443/storage/v1/b/pipeline-bucket/o/jobs%2Fabc%2Faudio.mp3?alt=media"
	if got != want {
		t.Fatalf("PresignGet: want=%q got=%q", want, got)
	}
}
