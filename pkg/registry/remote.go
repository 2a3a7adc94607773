package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/uicp/compute-core/pkg/jobspec"
	"github.com/uicp/compute-core/pkg/util/resiliency"
)

// RemoteRef points at a module artifact in object storage, for a
// task@version that isn't cached locally under MODULES_DIR. The caller
// builds it and hands it to Fetcher.Fetch.
type RemoteRef struct {
	// Scheme is "s3" or "gcs".
	Scheme     string
	Bucket     string
	Key        string
	ExpectedSHA256 string
}

// Fetcher downloads remote module artifacts into the local modules
// directory, verifying digest before the file is handed to the registry.
type Fetcher struct {
	modulesDir string
	retrier    *resiliency.Retrier
}

// NewFetcher creates a Fetcher that stages downloads under modulesDir.
func NewFetcher(modulesDir string) *Fetcher {
	return &Fetcher{modulesDir: modulesDir, retrier: resiliency.NewRetrier("module-fetch", 3)}
}

// Fetch retrieves ref into "<modulesDir>/<task>/<version>.wasm", verifying
// the downloaded bytes hash to ref.ExpectedSHA256 before renaming the
// staged file into place (so a failed or tampered download never
// clobbers a previously-good artifact).
func (f *Fetcher) Fetch(ctx context.Context, task, version string, ref RemoteRef) (string, error) {
	destDir := filepath.Join(f.modulesDir, task)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("registry: mkdir %s: %w", destDir, err)
	}
	finalPath := filepath.Join(destDir, version+".wasm")
	stagingPath := finalPath + ".downloading"

	err := f.retrier.Do(ctx, func(ctx context.Context) error {
		return f.download(ctx, ref, stagingPath)
	})
	if err != nil {
		os.Remove(stagingPath)
		return "", fmt.Errorf("registry: fetch %s/%s: %w", ref.Bucket, ref.Key, err)
	}

	data, err := os.ReadFile(stagingPath)
	if err != nil {
		return "", fmt.Errorf("registry: read staged artifact: %w", err)
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if digest != ref.ExpectedSHA256 {
		os.Remove(stagingPath)
		return "", jobspec.New(jobspec.KindDigestMismatch, jobspec.DetailDigestMismatch,
			"registry: remote artifact %s/%s digest mismatch: expected %s, got %s", ref.Bucket, ref.Key, ref.ExpectedSHA256, digest)
	}

	if err := os.Rename(stagingPath, finalPath); err != nil {
		return "", fmt.Errorf("registry: stage final artifact: %w", err)
	}
	return finalPath, nil
}

func (f *Fetcher) download(ctx context.Context, ref RemoteRef, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	switch strings.ToLower(ref.Scheme) {
	case "s3":
		return f.downloadS3(ctx, ref, out)
	case "gcs":
		return f.downloadGCS(ctx, ref, out)
	default:
		return fmt.Errorf("registry: unsupported remote scheme %q", ref.Scheme)
	}
}

func (f *Fetcher) downloadS3(ctx context.Context, ref RemoteRef, out io.Writer) error {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("registry: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	resp, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: &ref.Bucket, Key: &ref.Key})
	if err != nil {
		return fmt.Errorf("registry: s3 get object: %w", err)
	}
	defer resp.Body.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

func (f *Fetcher) downloadGCS(ctx context.Context, ref RemoteRef, out io.Writer) error {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("registry: gcs client: %w", err)
	}
	defer client.Close()

	reader, err := client.Bucket(ref.Bucket).Object(ref.Key).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("registry: gcs object reader: %w", err)
	}
	defer reader.Close()
	_, err = io.Copy(out, reader)
	return err
}
