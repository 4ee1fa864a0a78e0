package storage

import (
	"context"
	"net/url"
	"testing"

	"github.com/sua-org/cam-counter/internal/config"
)

func TestObjectURL(t *testing.T) {
	mustParse := func(s string) *url.URL {
		u, err := url.Parse(s)
		if err != nil {
			t.Fatal(err)
		}
		return u
	}

	tests := []struct {
		name   string
		base   *url.URL
		useSSL bool
		want   string
	}{
		{"raw endpoint", nil, false, "http://minio:9000/payloads/a/b.json"},
		{"raw endpoint tls", nil, true, "https://minio:9000/payloads/a/b.json"},
		{"public root", mustParse("https://cdn.example.com"), false, "https://cdn.example.com/a/b.json"},
		{"public prefix", mustParse("https://cdn.example.com/raw/"), false, "https://cdn.example.com/raw/a/b.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := objectURL(tt.base, tt.useSSL, "minio:9000", "payloads", "a/b.json"); got != tt.want {
				t.Errorf("objectURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewMinioStoreRequiresKeys(t *testing.T) {
	_, err := NewMinioStore(context.Background(), config.MinIOConfig{Endpoint: "localhost:9000", Bucket: "x"})
	if err == nil {
		t.Fatal("expected error without credentials")
	}
}

func TestObjectURLUsesPublicBase(t *testing.T) {
	base, _ := url.Parse("https://cdn.example.com/raw")
	s := &MinioStore{bucket: "payloads", baseURL: base}
	if got := s.ObjectURL("people-count/10.0.0.5/2026-03-10/x.json"); got != "https://cdn.example.com/raw/people-count/10.0.0.5/2026-03-10/x.json" {
		t.Errorf("ObjectURL = %q", got)
	}
}
