package catalogd

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"pkt.systems/catalogd/internal/storage/disk"
	"pkt.systems/catalogd/internal/storage/memory"
	redisstore "pkt.systems/catalogd/internal/storage/redis"
)

func TestOpenBackendMemory(t *testing.T) {
	backend, err := openBackend(context.Background(), Config{Store: "mem://"})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*memory.Store); !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}
}

func TestOpenBackendDisk(t *testing.T) {
	root := t.TempDir()
	backend, err := openBackend(context.Background(), Config{Store: "disk://" + root})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*disk.Store); !ok {
		t.Fatalf("expected disk backend, got %T", backend)
	}
}

func TestOpenBackendRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	backend, err := openBackend(context.Background(), Config{Store: "redis://" + mr.Addr() + "/0?prefix=cat"})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*redisstore.Store); !ok {
		t.Fatalf("expected redis backend, got %T", backend)
	}
}

func TestOpenBackendUnknownScheme(t *testing.T) {
	if _, err := openBackend(context.Background(), Config{Store: "ftp://x"}); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	cfg := Config{
		Store:             "s3://localhost:9000/test-bucket/prefix/path?insecure=1&path-style=1&kms-key-id=k1",
		S3SSE:             "AES256",
		S3AccessKeyID:     "minio",
		S3SecretAccessKey: "minio123",
	}
	s3cfg, summary, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if s3cfg.Endpoint != "localhost:9000" || s3cfg.Bucket != "test-bucket" || s3cfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected config: %+v", s3cfg)
	}
	if !s3cfg.Insecure || !s3cfg.ForcePathStyle || s3cfg.KMSKeyID != "k1" || s3cfg.ServerSideEnc != "AES256" {
		t.Fatalf("query flags not applied: %+v", s3cfg)
	}
	if summary.AccessKey != "minio" || !summary.HasSecret || summary.Source != "config" {
		t.Fatalf("unexpected credential summary: %+v", summary)
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://host:9000"}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://host/b", S3AccessKeyID: "only"}); err == nil {
		t.Fatalf("expected error for incomplete credentials")
	}
}

func TestBuildAWSConfig(t *testing.T) {
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	awsCfg, err := BuildAWSConfig(Config{Store: "aws://my-bucket/prefix?kms-key-id=k2", AWSRegion: "us-west-2"})
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	if awsCfg.Bucket != "my-bucket" || awsCfg.Prefix != "prefix" || awsCfg.Region != "us-west-2" || awsCfg.KMSKeyID != "k2" {
		t.Fatalf("unexpected config: %+v", awsCfg)
	}
	if _, err := BuildAWSConfig(Config{Store: "aws://bucket"}); err == nil {
		t.Fatalf("expected error without region")
	}
}

func TestBuildAzureConfig(t *testing.T) {
	azureCfg, err := BuildAzureConfig(Config{Store: "azure://acct/container/some/prefix?sas=token", AzureAccountKey: "key"})
	if err != nil {
		t.Fatalf("BuildAzureConfig: %v", err)
	}
	if azureCfg.Account != "acct" || azureCfg.Container != "container" || azureCfg.Prefix != "some/prefix" || azureCfg.SASToken != "token" || azureCfg.AccountKey != "key" {
		t.Fatalf("unexpected config: %+v", azureCfg)
	}
	if _, err := BuildAzureConfig(Config{Store: "azure://acct"}); err == nil {
		t.Fatalf("expected error for missing container")
	}
}

func TestBuildRedisConfigStripsPrefix(t *testing.T) {
	redisCfg, err := BuildRedisConfig(Config{Store: "redis://localhost:6379/2?prefix=catalog"})
	if err != nil {
		t.Fatalf("BuildRedisConfig: %v", err)
	}
	if redisCfg.Prefix != "catalog" || redisCfg.URL != "redis://localhost:6379/2" {
		t.Fatalf("unexpected config: %+v", redisCfg)
	}
}

func TestBuildGCSConfig(t *testing.T) {
	gcsCfg, err := BuildGCSConfig(Config{Store: "gs://bucket/a/b?endpoint=http://localhost:4443", GCSCredentialsFile: "/tmp/sa.json"})
	if err != nil {
		t.Fatalf("BuildGCSConfig: %v", err)
	}
	if gcsCfg.Bucket != "bucket" || gcsCfg.Prefix != "a/b" || gcsCfg.Endpoint != "http://localhost:4443" || gcsCfg.CredentialsFile != "/tmp/sa.json" {
		t.Fatalf("unexpected config: %+v", gcsCfg)
	}
}

func TestBuildDiskConfig(t *testing.T) {
	diskCfg, err := BuildDiskConfig(Config{Store: "disk:///var/lib/catalogd"})
	if err != nil {
		t.Fatalf("BuildDiskConfig: %v", err)
	}
	if diskCfg.Root != "/var/lib/catalogd" {
		t.Fatalf("unexpected root %q", diskCfg.Root)
	}
	if _, err := BuildDiskConfig(Config{Store: "disk://"}); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
