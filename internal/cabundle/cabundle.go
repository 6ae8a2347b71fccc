// Package cabundle fetches and validates the PEM certificate bundle pushed
// to readers as CA_SET.
package cabundle

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// DefaultURL is the Mozilla root bundle as published by the curl project.
const DefaultURL = "https://curl.se/ca/cacert.pem"

// ErrNoCertificates is returned for a bundle without a parseable certificate.
var ErrNoCertificates = errors.New("cabundle: no certificates in bundle")

// Bundle is a validated PEM bundle.
type Bundle struct {
	PEM   string
	Count int // certificates parsed
}

// Parse validates data as a PEM bundle. Blocks other than CERTIFICATE are
// dropped, as is any text between blocks.
func Parse(data []byte) (*Bundle, error) {
	var sb strings.Builder
	count := 0
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		if _, err := x509.ParseCertificate(block.Bytes); err != nil {
			return nil, fmt.Errorf("cabundle: certificate %d: %w", count+1, err)
		}
		if err := pem.Encode(&sb, &pem.Block{Type: block.Type, Bytes: block.Bytes}); err != nil {
			return nil, fmt.Errorf("cabundle: encoding certificate: %w", err)
		}
		count++
	}
	if count == 0 {
		return nil, ErrNoCertificates
	}
	return &Bundle{PEM: sb.String(), Count: count}, nil
}

// Load reads and validates the bundle at path.
func Load(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cabundle: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Fetch downloads a bundle from url into dest, reporting progress to
// progress when non-nil. The download is validated before it replaces
// dest.
func Fetch(ctx context.Context, url, dest string, progress io.Writer) (*Bundle, error) {
	if url == "" {
		url = DefaultURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("cabundle: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cabundle: downloading bundle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cabundle: download failed: HTTP %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("cabundle: creating bundle dir: %w", err)
	}

	// Write to temp file first, then rename (atomic)
	tmpPath := dest + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("cabundle: creating temp file: %w", err)
	}

	var w io.Writer = f
	if progress != nil {
		w = &progressWriter{writer: f, out: progress, total: resp.ContentLength, label: filepath.Base(dest)}
	}
	_, err = io.Copy(w, resp.Body)
	f.Close()
	if progress != nil {
		fmt.Fprintln(progress)
	}
	if err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("cabundle: writing bundle: %w", err)
	}

	bundle, err := Load(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("cabundle: moving bundle: %w", err)
	}
	return bundle, nil
}

// progressWriter wraps an io.Writer and prints download progress to out.
type progressWriter struct {
	writer  io.Writer
	out     io.Writer
	total   int64
	written int64
	label   string
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.total > 0 {
		pct := float64(pw.written) / float64(pw.total) * 100
		fmt.Fprintf(pw.out, "\r  %s: %.0f KB / %.0f KB (%.0f%%)",
			pw.label,
			float64(pw.written)/1024,
			float64(pw.total)/1024,
			pct)
	} else {
		fmt.Fprintf(pw.out, "\r  %s: %.0f KB downloaded",
			pw.label,
			float64(pw.written)/1024)
	}
	return n, err
}
