package minio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/JakeFAU/decisions-pipeline/internal/decision"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "empty endpoint",
			config:  Config{Endpoint: "", Bucket: "landing-zone"},
			wantErr: true,
		},
		{
			name:    "empty bucket",
			config:  Config{Endpoint: "localhost:9000", Bucket: ""},
			wantErr: true,
		},
		{
			name: "valid config",
			config: Config{
				Endpoint:        "localhost:9000",
				Bucket:          "landing-zone",
				AccessKeyID:     "minioadmin",
				SecretAccessKey: "minioadmin123",
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && store.Bucket() != tt.config.Bucket {
				t.Errorf("Bucket() = %q", store.Bucket())
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	t.Parallel()

	if !isNotFound(fmt.Errorf("wrapped: %w", minio.ErrorResponse{Code: "NoSuchKey"})) {
		t.Fatal("expected NoSuchKey to be not found")
	}
	if isNotFound(minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}) {
		t.Fatal("access denied is not a missing object")
	}
	if isNotFound(errors.New("dial tcp: refused")) {
		t.Fatal("network error is not a missing object")
	}

	s := &BlobStore{bucket: "curated-zone"}
	err := s.wrapErr("get object", "decisions/x.html", minio.ErrorResponse{Code: "NoSuchKey"})
	if !errors.Is(err, decision.ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

// TestIntegration_RoundTrip runs against a live MinIO when DECISIONS_TEST_MINIO_ENDPOINT is set.
func TestIntegration_RoundTrip(t *testing.T) {
	endpoint := os.Getenv("DECISIONS_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("DECISIONS_TEST_MINIO_ENDPOINT not set")
	}
	store, err := New(Config{
		Endpoint:        endpoint,
		Bucket:          "decisions-test",
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin123",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	if err := store.EnsureBucket(ctx); err != nil {
		t.Fatalf("EnsureBucket() error = %v", err)
	}
	key := decision.ObjectKey("ADJ-TEST", decision.KindHTML)
	if _, err := store.Put(ctx, key, decision.KindHTML.ContentType(), []byte("<p>x</p>")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	ok, err := store.Exists(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Exists() = %v, %v", ok, err)
	}
	data, err := store.Get(ctx, key)
	if err != nil || string(data) != "<p>x</p>" {
		t.Fatalf("Get() = %q, %v", data, err)
	}
	if _, err := store.Get(ctx, "decisions/missing.html"); !errors.Is(err, decision.ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}
