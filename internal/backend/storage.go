package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/chaz8081/toytrack/internal/upload"
)

// DefaultBucket holds toy photos.
const DefaultBucket = "toy-photos"

// Per-call limits of the two upload strategies.
const (
	DefaultDirectTimeout = 10 * time.Second
	DefaultProxyTimeout  = 20 * time.Second
)

// ErrNoPublicURL is returned when the proxy answers without a URL.
var ErrNoPublicURL = errors.New("backend: upload returned no public url")

// DirectUploader stores objects through a signed upload URL.
type DirectUploader struct {
	Client  *Client
	Bucket  string
	Timeout time.Duration // applies to signing and to the PUT separately
}

type signResponse struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// Upload signs obj.Path, PUTs the payload and returns the public URL.
func (d DirectUploader) Upload(ctx context.Context, obj upload.Object) (string, error) {
	bucket := d.bucket()
	objectPath := "/" + escapePath(bucket) + "/" + escapePath(obj.Path)

	token, err := d.sign(ctx, objectPath)
	if err != nil {
		return "", err
	}

	putCtx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()
	err = d.Client.do(putCtx, request{
		method:      http.MethodPut,
		path:        "/storage/v1/object/upload/sign" + objectPath,
		query:       url.Values{"token": {token}},
		body:        bytes.NewReader(obj.Data),
		contentType: obj.ContentType,
		header:      http.Header{"X-Upsert": {"false"}},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("backend: direct upload: %w", err)
	}
	return d.Client.PublicURL(bucket, obj.Path), nil
}

func (d DirectUploader) sign(ctx context.Context, objectPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	var resp signResponse
	err := d.Client.do(ctx, request{
		method:      http.MethodPost,
		path:        "/storage/v1/object/upload/sign" + objectPath,
		body:        strings.NewReader("{}"),
		contentType: "application/json",
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("backend: sign upload: %w", err)
	}
	if resp.Token != "" {
		return resp.Token, nil
	}
	u, err := url.Parse(resp.URL)
	if err != nil || u.Query().Get("token") == "" {
		return "", fmt.Errorf("backend: sign upload: no token in %q", resp.URL)
	}
	return u.Query().Get("token"), nil
}

func (d DirectUploader) bucket() string {
	if d.Bucket == "" {
		return DefaultBucket
	}
	return d.Bucket
}

func (d DirectUploader) timeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultDirectTimeout
	}
	return d.Timeout
}

// ProxyUploader stores objects through the upload edge function, which
// receives the payload base64-encoded.
type ProxyUploader struct {
	Client   *Client
	Function string
	Timeout  time.Duration
}

type proxyRequest struct {
	Filename    string `json:"filename"`
	Base64      string `json:"base64"`
	DataURL     string `json:"dataUrl"`
	ContentType string `json:"contentType"`
	UserID      string `json:"userId"`
}

type proxyResponse struct {
	PublicURL string `json:"publicUrl"`
}

// Upload sends obj to the proxy function and returns its public URL.
func (p ProxyUploader) Upload(ctx context.Context, obj upload.Object) (string, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProxyTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := p.Function
	if name == "" {
		name = FunctionUploadToyPhoto
	}
	encoded := base64.StdEncoding.EncodeToString(obj.Data)
	userID, filename := path.Split(obj.Path)
	req := proxyRequest{
		Filename:    filename,
		Base64:      encoded,
		DataURL:     "data:" + obj.ContentType + ";base64," + encoded,
		ContentType: obj.ContentType,
		UserID:      strings.TrimSuffix(userID, "/"),
	}

	var resp proxyResponse
	if err := p.Client.InvokeFunction(ctx, name, req, &resp); err != nil {
		return "", fmt.Errorf("backend: proxy upload: %w", err)
	}
	if resp.PublicURL == "" {
		return "", ErrNoPublicURL
	}
	return resp.PublicURL, nil
}

// PublicURL returns the public address of an object in a public bucket.
func (c *Client) PublicURL(bucket, objectPath string) string {
	return c.baseURL + "/storage/v1/object/public/" + escapePath(bucket) + "/" + escapePath(objectPath)
}

func escapePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}
