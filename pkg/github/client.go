// Package github is a small GitHub REST client covering what the build
// manager needs: workflow runs, artifact listings and downloads, and
// commit statuses.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// githubAPIVersion pins the REST API version header.
const githubAPIVersion = "2022-11-28"

const defaultBaseURL = "https://api.github.com"

// maxResponseSize bounds JSON response bodies. Artifact downloads are
// streamed and not subject to it.
const maxResponseSize = 10 << 20

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the root URL for API requests. Defaults to
	// "https://api.github.com". Must use HTTPS.
	BaseURL string

	// Token is a personal access token. When empty requests are sent
	// unauthenticated.
	Token string

	// HTTPClient is used for all HTTP requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client is a typed GitHub REST API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a GitHub API client from the given configuration.
func NewClient(config Config) (*Client, error) {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	if !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("github: API client requires HTTPS (got %q)", baseURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.Token == "" {
		logger.Warn("github_client_unauthenticated", "base_url", baseURL)
	}

	return &Client{
		baseURL:    baseURL,
		token:      config.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// resolve turns an API path into a URL below the base URL. Absolute URLs
// (as found in webhook payloads) are used as-is but must be HTTPS.
func (client *Client) resolve(target string) (string, error) {
	if strings.HasPrefix(target, "/") {
		return client.baseURL + target, nil
	}
	if !strings.HasPrefix(target, "https://") {
		return "", fmt.Errorf("github: refusing non-HTTPS URL %q", target)
	}
	return target, nil
}

// doRaw executes an authenticated request and returns the raw response.
// The caller closes the body.
func (client *Client) doRaw(ctx context.Context, method, target string, requestBody any) (*http.Response, error) {
	url, err := client.resolve(target)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("github: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("github: creating request: %w", err)
	}

	if client.token != "" {
		request.Header.Set("Authorization", "Bearer "+client.token)
	}
	request.Header.Set("Accept", "application/vnd.github+json")
	request.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("github: %s %s: %w", method, url, err)
	}
	return response, nil
}

// do executes a request and returns the body of a 2xx response. Other
// statuses yield an *APIError.
func (client *Client) do(ctx context.Context, method, target string, requestBody any) ([]byte, error) {
	response, err := client.doRaw(ctx, method, target, requestBody)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("github: reading response body: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, parseAPIErrorFromBody(response.StatusCode, body)
	}
	return body, nil
}

// GetJSON fetches target (an API path or absolute HTTPS URL) and decodes
// the JSON response into result.
func (client *Client) GetJSON(ctx context.Context, target string, result any) error {
	body, err := client.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("github: decoding %s: %w", target, err)
	}
	return nil
}

func (client *Client) post(ctx context.Context, path string, requestBody any, result any) error {
	body, err := client.do(ctx, http.MethodPost, path, requestBody)
	if err != nil {
		return err
	}
	if result != nil {
		return json.Unmarshal(body, result)
	}
	return nil
}

// Download streams the body at target. The caller closes the returned
// ReadCloser. Redirects to blob storage are followed by the HTTP client,
// which drops the Authorization header when the host changes.
func (client *Client) Download(ctx context.Context, target string) (io.ReadCloser, error) {
	response, err := client.doRaw(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	if response.StatusCode != http.StatusOK {
		defer response.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
		return nil, parseAPIErrorFromBody(response.StatusCode, body)
	}
	return response.Body, nil
}

// parseAPIErrorFromBody parses a GitHub API error from a status code
// and response body.
func parseAPIErrorFromBody(statusCode int, body []byte) *APIError {
	apiError := &APIError{StatusCode: statusCode}

	var wireError struct {
		Message          string `json:"message"`
		DocumentationURL string `json:"documentation_url"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Message != "" {
		apiError.Message = wireError.Message
		apiError.DocumentationURL = wireError.DocumentationURL
	} else {
		apiError.Message = string(body)
	}
	return apiError
}
