package syncer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Reloader asks a controller to pick up newly deployed content.
type Reloader interface {
	Reload(ctx context.Context, apiURL string) error
}

// HTTPReloader calls GET <api>/reload.
type HTTPReloader struct {
	Client *http.Client
}

// ReloadURL appends the reload endpoint to the controller API URL,
// keeping any path the base URL already has.
func ReloadURL(apiURL string) string {
	return strings.TrimRight(apiURL, "/") + "/reload"
}

// Reload issues the reload request. Any non-2xx response is an error.
func (r *HTTPReloader) Reload(ctx context.Context, apiURL string) error {
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := ReloadURL(apiURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("reload: creating request: %w", err)
	}

	slog.Info("controller_reload", "url", url)
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("reload %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("reload %s: unexpected status %s", url, resp.Status)
	}
	return nil
}
