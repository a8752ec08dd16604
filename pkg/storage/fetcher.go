package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/footron/build-manager/pkg/errors"
	"github.com/footron/build-manager/pkg/github"
)

// Lister fetches a workflow run's artifact listing.
type Lister interface {
	ListArtifacts(ctx context.Context, artifactsURL string) (*github.ArtifactList, error)
}

// Downloader writes the archive at locator to localPath.
type Downloader interface {
	Download(ctx context.Context, locator, localPath string) (*DownloadResult, error)
}

// streamer is the part of the GitHub client the HTTPS downloader needs.
type streamer interface {
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// HTTPDownloader downloads archive_download_url locators through the
// authenticated GitHub client.
type HTTPDownloader struct {
	client streamer
}

// NewHTTPDownloader wraps a GitHub client.
func NewHTTPDownloader(client *github.Client) *HTTPDownloader {
	return &HTTPDownloader{client: client}
}

// Download streams url into localPath and computes its SHA256.
func (d *HTTPDownloader) Download(ctx context.Context, url, localPath string) (*DownloadResult, error) {
	slog.Info("http_download_start", "url", url)

	body, err := d.client.Download(ctx, url)
	if err != nil {
		slog.Error("http_download_failed", "url", url, "error", err)
		return nil, errors.Wrap(err, "failed to download artifact")
	}
	defer body.Close()

	return writeWithChecksum(body, localPath)
}

// Fetcher locates a named artifact in a run's listing and downloads it.
type Fetcher struct {
	lister Lister
	https  Downloader
	s3     Downloader
}

// NewFetcher creates a Fetcher. s3 may be nil, in which case s3://
// locators fail.
func NewFetcher(lister Lister, https Downloader, s3 Downloader) *Fetcher {
	return &Fetcher{lister: lister, https: https, s3: s3}
}

// Fetch downloads the artifact called name from the listing at
// artifactsURL into destZip. A listing without that entry yields
// errors.ErrMissingArtifact.
func (f *Fetcher) Fetch(ctx context.Context, artifactsURL, name, destZip string) (*DownloadResult, error) {
	slog.Info("artifact_fetch_start", "artifacts_url", artifactsURL, "name", name)

	list, err := f.lister.ListArtifacts(ctx, artifactsURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list artifacts")
	}

	var locator string
	for _, a := range list.Artifacts {
		if a.Name == name {
			locator = a.ArchiveDownloadURL
			break
		}
	}
	if locator == "" {
		slog.Error("artifact_missing", "artifacts_url", artifactsURL, "name", name, "available", len(list.Artifacts))
		return nil, fmt.Errorf("%w: %q", errors.ErrMissingArtifact, name)
	}

	downloader, err := f.downloaderFor(locator)
	if err != nil {
		return nil, err
	}

	result, err := downloader.Download(ctx, locator, destZip)
	if err != nil {
		return nil, err
	}

	slog.Info("artifact_fetch_complete", "name", name, "size", result.Size, "sha256", result.SHA256)
	return result, nil
}

func (f *Fetcher) downloaderFor(locator string) (Downloader, error) {
	switch {
	case strings.HasPrefix(locator, "s3://"):
		if f.s3 == nil {
			return nil, fmt.Errorf("no s3 downloader configured for %q", locator)
		}
		return f.s3, nil
	case strings.HasPrefix(locator, "https://"):
		return f.https, nil
	default:
		return nil, fmt.Errorf("unsupported artifact locator %q", locator)
	}
}
