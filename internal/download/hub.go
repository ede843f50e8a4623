package download

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultHubURL   = "https://huggingface.co"
	DefaultRevision = "main"

	// HubTokenEnv holds the access token for gated or private repositories.
	HubTokenEnv = "HF_TOKEN"
	// HubEndpointEnv points at a mirror instead of huggingface.co.
	HubEndpointEnv = "HF_ENDPOINT"
)

// Hub fetches files from a Hugging Face model repository.
type Hub struct {
	BaseURL    string
	Token      string
	NoProgress bool
	HTTPClient *http.Client
	Logger     *zap.Logger
}

type FetchResult struct {
	Path    string
	SHA256  string
	Skipped bool
}

func (h Hub) log() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func (h Hub) baseURL() string {
	if h.BaseURL == "" {
		return DefaultHubURL
	}
	return strings.TrimRight(h.BaseURL, "/")
}

func (h Hub) header() http.Header {
	header := http.Header{}
	if token := strings.TrimSpace(h.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return header
}

func (h Hub) FileURL(repo, revision, file string) string {
	if revision == "" {
		revision = DefaultRevision
	}
	return fmt.Sprintf("%s/%s/resolve/%s/%s", h.baseURL(), repo, url.PathEscape(revision), path.Clean(filepath.ToSlash(file)))
}

// Checksum reads the sha256 the hub advertises for an LFS file. Regular git
// files carry no sha256 and yield "".
func (h Hub) Checksum(ctx context.Context, repo, revision, file string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.FileURL(repo, revision, file), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header = h.header()
	req.Header.Set("User-Agent", userAgent)

	client := http.Client{
		Timeout: 2 * time.Minute,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	if h.HTTPClient != nil {
		client.Transport = h.HTTPClient.Transport
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("checksum request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrNotFound, req.URL)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("checksum request: unexpected status code: %d", resp.StatusCode)
	}

	if sum := ChecksumFromETag(resp.Header.Get("X-Linked-Etag")); sum != "" {
		return sum, nil
	}
	return ChecksumFromETag(resp.Header.Get("ETag")), nil
}

// Fetch downloads file from repo into dir, keeping its relative path. A
// local copy whose checksum matches the hub's is kept as is.
func (h Hub) Fetch(ctx context.Context, repo, revision, file, dir string) (FetchResult, error) {
	dest := filepath.Join(dir, filepath.FromSlash(file))

	sum, err := h.Checksum(ctx, repo, revision, file)
	if err != nil {
		return FetchResult{}, err
	}

	if _, err := os.Stat(dest); err == nil && sum != "" {
		if err := VerifyFileChecksum(dest, sum); err == nil {
			h.log().Debug("asset already present", zap.String("file", file), zap.String("path", dest))
			return FetchResult{Path: dest, SHA256: sum, Skipped: true}, nil
		}
		h.log().Warn("asset checksum verification failed; downloading fresh copy", zap.String("file", file))
	}

	err = DownloadFile(ctx, Options{
		URL:            h.FileURL(repo, revision, file),
		Destination:    dest,
		ExpectedSHA256: sum,
		Header:         h.header(),
		Description:    "downloading " + path.Base(file),
		NoProgress:     h.NoProgress,
		HTTPClient:     h.HTTPClient,
		Logger:         h.log(),
	})
	if err != nil {
		return FetchResult{}, fmt.Errorf("download %s: %w", file, err)
	}
	return FetchResult{Path: dest, SHA256: sum}, nil
}
