package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"wlm-go/internal/config"
	"wlm-go/internal/wlm"
)

// s3Client is the subset of the S3 API the vault uses.
type s3Client interface {
	manager.UploadAPIClient
	manager.DownloadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Vault stores artifacts in an S3 bucket. The disk tool cannot write to S3,
// so artifacts are written to and compacted in a local cache directory and
// uploaded by Persist. Keys:
//
//	<prefix>/artifacts/<rel>
//	<prefix>/metadata/<hostID>.<name>
//	<prefix>/metadata/<hostID>.<name>.version
type S3Vault struct {
	name       string
	bucket     string
	prefix     string
	cacheDir   string
	client     s3Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
}

// NewS3VaultFromConfig creates an S3Vault using the default AWS credential
// chain, or static credentials when the config carries them.
func NewS3VaultFromConfig(cfg config.VaultConfig) (*S3Vault, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 vault requires s3_bucket to be set")
	}
	if cfg.S3CacheDir == "" {
		return nil, fmt.Errorf("s3 vault requires s3_cache_dir to be set")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3KeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3KeyID, cfg.S3Secret, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Vault(cfg.Name, cfg.S3Bucket, cfg.S3Prefix, cfg.S3CacheDir, client)
}

// NewS3Vault creates an S3Vault over an existing client.
func NewS3Vault(name, bucket, prefix, cacheDir string, client s3Client) (*S3Vault, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &S3Vault{
		name:       name,
		bucket:     bucket,
		prefix:     strings.Trim(prefix, "/"),
		cacheDir:   cacheDir,
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
	}, nil
}

func (v *S3Vault) LocalPath(rel string) (string, error) {
	p, err := v.cachePath(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}
	return p, nil
}

// Materialize downloads rel into the cache unless a local copy exists.
func (v *S3Vault) Materialize(rel string) (string, error) {
	p, err := v.LocalPath(rel)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	key, _ := v.artifactKey(rel)
	_, err = v.downloader.Download(context.Background(), tmp, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	tmp.Close()
	if err != nil {
		if isNotFound(err) {
			return "", wlm.NotFound("artifact file not found: %s", rel)
		}
		return "", fmt.Errorf("downloading %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		return "", fmt.Errorf("failed to rename temp file: %w", err)
	}
	return p, nil
}

func (v *S3Vault) Persist(rel string) error {
	p, err := v.cachePath(rel)
	if err != nil {
		return err
	}
	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("opening %s for upload: %w", rel, err)
	}
	defer f.Close()

	key, _ := v.artifactKey(rel)
	_, err = v.uploader.Upload(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

func (v *S3Vault) Fetch(rel string, w io.Writer) error {
	key, err := v.artifactKey(rel)
	if err != nil {
		return err
	}
	return v.getObject(key, w, fmt.Sprintf("artifact file not found: %s", rel))
}

func (v *S3Vault) Exists(rel string) (bool, error) {
	key, err := v.artifactKey(rel)
	if err != nil {
		return false, err
	}
	_, err = v.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head %s: %w", key, err)
	}
	return true, nil
}

func (v *S3Vault) Delete(rel string) error {
	key, err := v.artifactKey(rel)
	if err != nil {
		return err
	}
	_, err = v.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	p, _ := v.cachePath(rel)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing cached file: %w", err)
	}
	return nil
}

func (v *S3Vault) DeleteTree(relDir string) error {
	keyPrefix, err := v.artifactKey(relDir)
	if err != nil {
		return err
	}
	keyPrefix += "/"

	ctx := context.Background()
	pager := s3.NewListObjectsV2Paginator(v.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(v.bucket),
		Prefix: aws.String(keyPrefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing %s: %w", keyPrefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]s3types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, s3types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = v.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(v.bucket),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("deleting objects under %s: %w", keyPrefix, err)
		}
	}

	p, _ := v.cachePath(relDir)
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("removing cached directory: %w", err)
	}
	return nil
}

func (v *S3Vault) PutMetadata(hostID string, name string, r io.Reader, size int64, version int64) error {
	key := v.key("metadata", hostID+"."+name)
	ctx := context.Background()
	body := &countingReader{r: r}
	_, err := v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("uploading metadata %s: %w", key, err)
	}
	if body.n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, body.n)
	}

	_, err = v.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key + ".version"),
		Body:   strings.NewReader(strconv.FormatInt(version, 10)),
	})
	if err != nil {
		return fmt.Errorf("uploading metadata version: %w", err)
	}
	return nil
}

func (v *S3Vault) GetMetadata(hostID string, name string, w io.Writer) error {
	key := v.key("metadata", hostID+"."+name)
	return v.getObject(key, w, fmt.Sprintf("metadata %s not found for host: %s", name, hostID))
}

func (v *S3Vault) GetMetadataVersion(hostID string, name string) (int64, error) {
	key := v.key("metadata", hostID+"."+name+".version")
	var buf strings.Builder
	out, err := v.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading version object: %w", err)
	}
	defer out.Body.Close()
	if _, err := io.Copy(&buf, out.Body); err != nil {
		return 0, fmt.Errorf("reading version object: %w", err)
	}
	return parseVersion([]byte(buf.String()))
}

func (v *S3Vault) ValidateSetup() error {
	_, err := v.client.HeadBucket(context.Background(), &s3.HeadBucketInput{Bucket: aws.String(v.bucket)})
	if err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", v.bucket, err)
	}
	info, err := os.Stat(v.cacheDir)
	if err != nil {
		return fmt.Errorf("cache directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("cache path is not a directory: %s", v.cacheDir)
	}
	return nil
}

func (v *S3Vault) getObject(key string, w io.Writer, notFoundMsg string) error {
	out, err := v.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return wlm.NotFound("%s", notFoundMsg)
		}
		return fmt.Errorf("getting %s: %w", key, err)
	}
	defer out.Body.Close()
	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	return nil
}

func (v *S3Vault) key(parts ...string) string {
	if v.prefix != "" {
		parts = append([]string{v.prefix}, parts...)
	}
	return path.Join(parts...)
}

func (v *S3Vault) artifactKey(rel string) (string, error) {
	clean, err := cleanRel(rel)
	if err != nil {
		return "", err
	}
	return v.key("artifacts", clean), nil
}

func (v *S3Vault) cachePath(rel string) (string, error) {
	clean, err := cleanRel(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(v.cacheDir, filepath.FromSlash(clean)), nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

// countingReader hides any Seek method so the uploader streams r as given.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

var _ wlm.Vault = (*S3Vault)(nil)
