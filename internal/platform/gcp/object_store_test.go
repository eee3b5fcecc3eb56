package gcp

import "testing"

func TestParseURI(t *testing.T) {
	bucket, key, err := ParseURI("gs://risk-artifacts/snapshots/v3.json")
	if err != nil {
		t.Fatalf("ParseURI: %v", err)
	}
	if bucket != "risk-artifacts" || key != "snapshots/v3.json" {
		t.Fatalf("ParseURI: want=(risk-artifacts, snapshots/v3.json) got=(%s, %s)", bucket, key)
	}
	for _, bad := range []string{"", "s3://b/k", "gs://bucket", "gs://bucket/", "gs:///key"} {
		if _, _, err := ParseURI(bad); err == nil {
			t.Fatalf("ParseURI(%q): want error", bad)
		}
	}
}

func TestResolveStorageConfigFromEnv(t *testing.T) {
	t.Setenv("OBJECT_STORAGE_MODE", "")
	t.Setenv("STORAGE_EMULATOR_HOST", "http://fake-gcs:4443")
	cfg, err := ResolveStorageConfigFromEnv()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Mode != StorageModeGCSEmulator {
		t.Fatalf("mode: want=%s got=%s", StorageModeGCSEmulator, cfg.Mode)
	}

	t.Setenv("STORAGE_EMULATOR_HOST", "")
	cfg, err = ResolveStorageConfigFromEnv()
	if err != nil || cfg.Mode != StorageModeGCS {
		t.Fatalf("default mode: want=%s got=%s err=%v", StorageModeGCS, cfg.Mode, err)
	}

	t.Setenv("OBJECT_STORAGE_MODE", "gcs_emulator")
	if _, err := ResolveStorageConfigFromEnv(); err == nil {
		t.Fatalf("emulator without host: want error")
	}

	t.Setenv("OBJECT_STORAGE_MODE", "s3")
	if _, err := ResolveStorageConfigFromEnv(); err == nil {
		t.Fatalf("unknown mode: want error")
	}
}
