package storage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"opqo-media/internal/media"
)

// ObjectStorageConfig describes the external bucket that receives published
// HLS artefacts.
type ObjectStorageConfig struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	Prefix         string
	PublicEndpoint string
	RequestTimeout time.Duration
}

const defaultObjectStorageRequestTimeout = 30 * time.Second

// ObjectReference identifies a stored object and, when a public endpoint is
// configured, its externally reachable URL.
type ObjectReference struct {
	Key string
	URL string
}

// ObjectPage is one page of a key listing.
type ObjectPage struct {
	Keys      []string
	NextToken string
	Truncated bool
}

// ObjectStorage is the subset of S3-compatible operations the pipeline needs:
// publishing rendition output and reclaiming it again on delete.
type ObjectStorage interface {
	Enabled() bool
	Upload(ctx context.Context, key, contentType string, body []byte) (ObjectReference, error)
	List(ctx context.Context, prefix, continuationToken string) (ObjectPage, error)
	DeleteBatch(ctx context.Context, keys []string) error
}

func applyObjectStorageDefaults(cfg ObjectStorageConfig) ObjectStorageConfig {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultObjectStorageRequestTimeout
	}
	return cfg
}

// NoopObjectStorage is used when no bucket has been configured. Uploads and
// deletes succeed without doing anything so the pipeline can run locally.
type NoopObjectStorage struct{}

func (NoopObjectStorage) Enabled() bool { return false }

func (NoopObjectStorage) Upload(ctx context.Context, key, contentType string, body []byte) (ObjectReference, error) {
	return ObjectReference{}, nil
}

func (NoopObjectStorage) List(ctx context.Context, prefix, continuationToken string) (ObjectPage, error) {
	return ObjectPage{}, nil
}

func (NoopObjectStorage) DeleteBatch(ctx context.Context, keys []string) error {
	return nil
}

// NewObjectStorage builds an S3-compatible client from cfg, or a
// NoopObjectStorage when bucket or endpoint are missing.
func NewObjectStorage(cfg ObjectStorageConfig) ObjectStorage {
	cfg = applyObjectStorageDefaults(cfg)
	trimmedBucket := strings.TrimSpace(cfg.Bucket)
	trimmedEndpoint := strings.TrimSpace(cfg.Endpoint)
	if trimmedBucket == "" || trimmedEndpoint == "" {
		return NoopObjectStorage{}
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	endpoint := trimmedEndpoint
	if strings.Contains(endpoint, "://") {
		if parsed, err := url.Parse(endpoint); err == nil {
			endpoint = parsed.Host
		}
	}
	baseURL := &url.URL{Scheme: scheme, Host: endpoint}
	if baseURL.Host == "" {
		return NoopObjectStorage{}
	}
	sanitized := cfg
	sanitized.Bucket = trimmedBucket
	return &s3ObjectStorage{
		cfg:        sanitized,
		endpoint:   baseURL,
		httpClient: &http.Client{Timeout: sanitized.RequestTimeout},
	}
}

type s3ObjectStorage struct {
	cfg        ObjectStorageConfig
	endpoint   *url.URL
	httpClient *http.Client
}

func (c *s3ObjectStorage) Enabled() bool { return true }

func (c *s3ObjectStorage) Upload(ctx context.Context, key, contentType string, body []byte) (ObjectReference, error) {
	finalKey := c.applyPrefix(key)
	target := c.objectURL(finalKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), bytes.NewReader(body))
	if err != nil {
		return ObjectReference{}, fmt.Errorf("create upload request: %w", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	hash := hashSHA256Hex(body)
	if err := c.signRequest(request, hash); err != nil {
		return ObjectReference{}, err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return ObjectReference{}, media.Storagef("storage.ObjectStorage.Upload", "upload object %s: %v", finalKey, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return ObjectReference{}, media.Storagef("storage.ObjectStorage.Upload", "upload object %s: unexpected status %d", finalKey, response.StatusCode)
	}
	return ObjectReference{Key: finalKey, URL: c.publicURL(finalKey)}, nil
}

type listBucketResult struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	IsTruncated           bool     `xml:"IsTruncated"`
	NextContinuationToken string   `xml:"NextContinuationToken"`
	Contents              []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
}

// List returns one page of keys under prefix using the ListObjectsV2 API.
// Pass the returned NextToken back in to fetch the following page.
func (c *s3ObjectStorage) List(ctx context.Context, prefix, continuationToken string) (ObjectPage, error) {
	target := c.bucketURL()
	query := url.Values{}
	query.Set("list-type", "2")
	finalPrefix := c.applyPrefix(prefix)
	if finalPrefix != "" {
		query.Set("prefix", finalPrefix)
	}
	if continuationToken != "" {
		query.Set("continuation-token", continuationToken)
	}
	target.RawQuery = query.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return ObjectPage{}, fmt.Errorf("create list request: %w", err)
	}
	if err := c.signRequest(request, emptyPayloadHash); err != nil {
		return ObjectPage{}, err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return ObjectPage{}, fmt.Errorf("list objects %s: %w", finalPrefix, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return ObjectPage{}, fmt.Errorf("list objects %s: unexpected status %d", finalPrefix, response.StatusCode)
	}
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return ObjectPage{}, fmt.Errorf("read list response: %w", err)
	}
	var result listBucketResult
	if err := xml.Unmarshal(payload, &result); err != nil {
		return ObjectPage{}, fmt.Errorf("decode list response: %w", err)
	}
	page := ObjectPage{
		NextToken: result.NextContinuationToken,
		Truncated: result.IsTruncated,
	}
	for _, object := range result.Contents {
		if object.Key != "" {
			page.Keys = append(page.Keys, object.Key)
		}
	}
	return page, nil
}

type deleteBatchRequest struct {
	XMLName xml.Name            `xml:"Delete"`
	Quiet   bool                `xml:"Quiet"`
	Objects []deleteBatchObject `xml:"Object"`
}

type deleteBatchObject struct {
	Key string `xml:"Key"`
}

type deleteBatchResult struct {
	XMLName xml.Name `xml:"DeleteResult"`
	Errors  []struct {
		Key     string `xml:"Key"`
		Code    string `xml:"Code"`
		Message string `xml:"Message"`
	} `xml:"Error"`
}

// DeleteBatch removes up to 1000 keys in one multi-object delete call. Keys
// are expected to already carry the configured prefix, as returned by List.
func (c *s3ObjectStorage) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	payload := deleteBatchRequest{Quiet: true}
	for _, key := range keys {
		trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
		if trimmed == "" {
			continue
		}
		payload.Objects = append(payload.Objects, deleteBatchObject{Key: trimmed})
	}
	if len(payload.Objects) == 0 {
		return nil
	}
	body, err := xml.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode delete request: %w", err)
	}

	target := c.bucketURL()
	target.RawQuery = "delete="

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}
	request.Header.Set("Content-Type", "application/xml")
	digest := md5.Sum(body)
	request.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(digest[:]))
	if err := c.signRequest(request, hashSHA256Hex(body)); err != nil {
		return err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("delete objects: %w", err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("delete objects: unexpected status %d", response.StatusCode)
	}
	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("read delete response: %w", err)
	}
	var result deleteBatchResult
	if err := xml.Unmarshal(responseBody, &result); err != nil {
		// Quiet mode returns an empty DeleteResult; a decode failure on a 2xx
		// response is treated as success.
		return nil
	}
	if len(result.Errors) > 0 {
		first := result.Errors[0]
		return fmt.Errorf("delete objects: %d failed, first %s: %s %s", len(result.Errors), first.Key, first.Code, first.Message)
	}
	return nil
}

func (c *s3ObjectStorage) applyPrefix(key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix := strings.Trim(strings.TrimSpace(c.cfg.Prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

func (c *s3ObjectStorage) bucketURL() *url.URL {
	basePath := strings.TrimRight(c.endpoint.Path, "/")
	path := "/" + strings.TrimLeft(c.cfg.Bucket, "/")
	if basePath != "" {
		path = basePath + path
	}
	u := *c.endpoint
	u.Path = path
	return &u
}

func (c *s3ObjectStorage) objectURL(finalKey string) *url.URL {
	u := c.bucketURL()
	trimmedKey := strings.TrimLeft(finalKey, "/")
	if trimmedKey != "" {
		u.Path += "/" + trimmedKey
	}
	return u
}

func (c *s3ObjectStorage) publicURL(key string) string {
	base := strings.TrimSpace(c.cfg.PublicEndpoint)
	if base == "" {
		return ""
	}
	trimmedBase := strings.TrimRight(base, "/")
	trimmedKey := strings.TrimLeft(key, "/")
	if trimmedKey == "" {
		return trimmedBase
	}
	return trimmedBase + "/" + trimmedKey
}

func (c *s3ObjectStorage) signRequest(req *http.Request, payloadHash string) error {
	req.Host = req.URL.Host
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("x-amz-content-sha256", payloadHash)
	accessKey := strings.TrimSpace(c.cfg.AccessKey)
	secretKey := strings.TrimSpace(c.cfg.SecretKey)
	if accessKey == "" || secretKey == "" {
		return nil
	}
	region := strings.TrimSpace(c.cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	req.Header.Set("x-amz-date", amzDate)
	canonicalHeaders, signedHeaders := canonicalizeHeaders(req)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQuery(req.URL),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")
	hash := sha256.Sum256([]byte(canonicalRequest))
	scope := strings.Join([]string{dateStamp, region, "s3", "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(hash[:]),
	}, "\n")
	signingKey := deriveSigningKey(secretKey, dateStamp, region)
	signature := hmacSHA256Hex(signingKey, stringToSign)
	authorization := fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		accessKey,
		scope,
		signedHeaders,
		signature,
	)
	req.Header.Set("Authorization", authorization)
	return nil
}

func canonicalizeHeaders(req *http.Request) (string, string) {
	headerMap := make(map[string][]string)
	for key, values := range req.Header {
		lower := strings.ToLower(key)
		if lower == "authorization" {
			continue
		}
		cleaned := make([]string, 0, len(values))
		for _, v := range values {
			cleaned = append(cleaned, strings.TrimSpace(v))
		}
		headerMap[lower] = cleaned
	}
	if _, ok := headerMap["host"]; !ok && req.Host != "" {
		headerMap["host"] = []string{req.Host}
	}
	keys := make([]string, 0, len(headerMap))
	for key := range headerMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	var signed []string
	for _, key := range keys {
		values := headerMap[key]
		builder.WriteString(key)
		builder.WriteByte(':')
		builder.WriteString(strings.Join(values, ","))
		builder.WriteByte('\n')
		signed = append(signed, key)
	}
	return builder.String(), strings.Join(signed, ";")
}

func canonicalURI(u *url.URL) string {
	if u == nil {
		return "/"
	}
	path := u.EscapedPath()
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func canonicalQuery(u *url.URL) string {
	if u == nil {
		return ""
	}
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil || len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	for idx, key := range keys {
		if idx > 0 {
			builder.WriteByte('&')
		}
		sort.Strings(values[key])
		for vIdx, value := range values[key] {
			if vIdx > 0 {
				builder.WriteByte('&')
			}
			builder.WriteString(url.QueryEscape(key))
			builder.WriteByte('=')
			builder.WriteString(url.QueryEscape(value))
		}
	}
	return builder.String()
}

func deriveSigningKey(secret, dateStamp, region string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte("s3"))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func hmacSHA256(key []byte, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func hmacSHA256Hex(key []byte, data string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

var emptyPayloadHash = hashSHA256Hex(nil)

func hashSHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
