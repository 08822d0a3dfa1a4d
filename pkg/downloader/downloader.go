// Package downloader fetches model checkpoints over HTTP.
package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/zerfoo/zdepth/internal/fsutil"
	"github.com/zerfoo/zdepth/pkg/config"
)

const huggingFaceHost = "https://huggingface.co/"

// Vars so tests and mirrors can override them.
var (
	huggingFaceAPI = "https://huggingface.co/api/models/"
	huggingFaceCDN = huggingFaceHost
)

func init() {
	if apiURL := os.Getenv("HUGGINGFACE_API_URL"); apiURL != "" {
		huggingFaceAPI = apiURL
	}
	if cdnURL := os.Getenv("HUGGINGFACE_CDN_URL"); cdnURL != "" {
		huggingFaceCDN = cdnURL
	}
}

// Checkpoint names a remote checkpoint and its local filename.
type Checkpoint struct {
	URL  string
	File string
}

// CheckpointOf returns the published checkpoint of a variant.
func CheckpointOf(v config.Variant) Checkpoint {
	return Checkpoint{URL: v.CheckpointURL, File: v.Checkpoint}
}

// CheckpointSource downloads a checkpoint into a destination directory.
type CheckpointSource interface {
	DownloadCheckpoint(ctx context.Context, ckpt Checkpoint, destination string) (*DownloadResult, error)
}

// DownloadResult describes a downloaded (or already present) checkpoint.
type DownloadResult struct {
	Path    string
	URL     string
	Bytes   int64
	Skipped bool
}

// Downloader handles the overall download process using a CheckpointSource.
type Downloader struct {
	source CheckpointSource
	// Overwrite re-downloads checkpoints that already exist locally.
	Overwrite bool
}

// NewDownloader creates a new Downloader with the given CheckpointSource.
func NewDownloader(source CheckpointSource) *Downloader {
	return &Downloader{source: source}
}

// Download fetches ckpt into destination unless it is already there.
func (d *Downloader) Download(ctx context.Context, ckpt Checkpoint, destination string) (*DownloadResult, error) {
	path := filepath.Join(destination, ckpt.File)
	if !d.Overwrite {
		if size, err := fsutil.Size(path); err == nil {
			klog.Infof("checkpoint %s already present, skipping download", path)
			return &DownloadResult{Path: path, URL: ckpt.URL, Bytes: size, Skipped: true}, nil
		}
	}
	return d.source.DownloadCheckpoint(ctx, ckpt, destination)
}

// HTTPSource downloads checkpoints over HTTP. Files hosted on the Hugging Face
// Hub are checked against the repository listing first, so a renamed file is
// reported as such instead of as an opaque 404.
type HTTPSource struct {
	client *http.Client
	token  string
	tag    string
}

// NewHTTPSource creates a new HTTPSource. A non-empty token is sent as a
// bearer token.
func NewHTTPSource(token string) *HTTPSource {
	return &HTTPSource{
		client: &http.Client{},
		token:  token,
		tag:    uuid.NewString()[:8],
	}
}

// HuggingFaceModelInfo represents the structure of the JSON response from HuggingFace API.
type HuggingFaceModelInfo struct {
	ModelID  string `json:"modelId"`
	Siblings []struct {
		RPath string `json:"rfilename"` // Relative path of the file
	} `json:"siblings"`
}

// DownloadCheckpoint downloads ckpt into destination.
func (h *HTTPSource) DownloadCheckpoint(ctx context.Context, ckpt Checkpoint, destination string) (*DownloadResult, error) {
	url := ckpt.URL
	if repo, file, ok := huggingFaceFile(url); ok {
		if err := h.checkListed(ctx, repo, file); err != nil {
			return nil, err
		}
		url = huggingFaceCDN + repo + "/resolve/main/" + file
	}

	path := filepath.Join(destination, ckpt.File)
	n, err := h.downloadFile(ctx, url, path)
	if err != nil {
		return nil, fmt.Errorf("failed to download checkpoint %s: %w", ckpt.File, err)
	}
	return &DownloadResult{Path: path, URL: url, Bytes: n}, nil
}

// huggingFaceFile splits a Hub resolve URL into repository id and file path.
func huggingFaceFile(url string) (repo, file string, ok bool) {
	rest, found := strings.CutPrefix(url, huggingFaceHost)
	if !found {
		return "", "", false
	}
	repo, tail, found := strings.Cut(rest, "/resolve/")
	if !found {
		return "", "", false
	}
	_, file, found = strings.Cut(tail, "/")
	return repo, file, found && file != ""
}

func (h *HTTPSource) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	return h.client.Do(req)
}

func (h *HTTPSource) checkListed(ctx context.Context, repo, file string) (err error) {
	apiURL := huggingFaceAPI + repo
	resp, err := h.get(ctx, apiURL)
	if err != nil {
		return fmt.Errorf("failed to fetch model info from HuggingFace API: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close response body for %s: %w", apiURL, cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HuggingFace API returned non-OK status: %s", resp.Status)
	}

	var modelInfo HuggingFaceModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&modelInfo); err != nil {
		return fmt.Errorf("failed to decode HuggingFace API response: %w", err)
	}
	for _, sibling := range modelInfo.Siblings {
		if sibling.RPath == file {
			return nil
		}
	}
	return fmt.Errorf("no file %s found for model ID: %s", file, repo)
}

// downloadFile downloads a single file from a URL to a local path. The path
// only ever holds a complete download.
func (h *HTTPSource) downloadFile(ctx context.Context, url, filePath string) (n int64, err error) {
	resp, err := h.get(ctx, url)
	if err != nil {
		return 0, fmt.Errorf("failed to download file from %s: %w", url, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close response body for %s: %w", url, cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("failed to download file from %s: status code %s", url, resp.Status)
	}
	klog.V(1).Infof("downloading %s (%d bytes announced)", url, resp.ContentLength)
	return fsutil.WriteAtomic(filePath, h.tag, resp.Body)
}
