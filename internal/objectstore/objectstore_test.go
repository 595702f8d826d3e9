package objectstore

import (
	"context"
	"errors"
	"testing"

	"github.com/seantiz/runengine/internal/config"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	data := []byte(`{"big":true}`)
	if err := s.Put(ctx, "a/b.json", data, "application/json"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data[0] = 'x'

	got, err := s.Get(ctx, "a/b.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"big":true}` {
		t.Errorf("Get = %s, want stored copy", got)
	}

	if err := s.Delete(ctx, "a/b.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "a/b.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete error = %v, want ErrNotFound", err)
	}
}

func TestNewMinioStore(t *testing.T) {
	s, err := NewMinioStore(config.MinioConfig{
		Endpoint:  "localhost:9000",
		AccessKey: "a",
		SecretKey: "b",
		Bucket:    "outputs",
	})
	if err != nil {
		t.Fatalf("NewMinioStore: %v", err)
	}
	if s.bucket != "outputs" {
		t.Errorf("bucket = %q, want outputs", s.bucket)
	}
}
