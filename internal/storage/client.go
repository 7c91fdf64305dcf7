package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client provides methods to interact with Supabase Storage
type Client struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

// NewClient creates a new Supabase Storage client
func NewClient(supabaseURL, serviceKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(supabaseURL, "/") + "/storage/v1",
		serviceKey: serviceKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Bucket binds the client to one bucket as a BlobStore
func (c *Client) Bucket(name string) *SupabaseStore {
	return &SupabaseStore{client: c, bucket: name}
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	return req, nil
}

// Upload stores data at bucket/path without overwriting.
// Returns the full path of the uploaded file.
func (c *Client) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	url := fmt.Sprintf("%s/object/%s/%s", c.baseURL, bucket, path)

	req, err := c.newRequest(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "false")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}
	defer resp.Body.Close()

	fullPath := fmt.Sprintf("%s/%s", bucket, path)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return fullPath, nil
	case resp.StatusCode == http.StatusConflict:
		return fullPath, ErrBlobExists
	}

	body, _ := io.ReadAll(resp.Body)
	// Older Storage versions answer 400 with a Duplicate error instead of 409
	if resp.StatusCode == http.StatusBadRequest && strings.Contains(string(body), "Duplicate") {
		return fullPath, ErrBlobExists
	}
	return "", fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(body))
}

// Download fetches an object's bytes
func (c *Client) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	url := fmt.Sprintf("%s/object/%s/%s", c.baseURL, bucket, path)

	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest {
		return nil, ErrBlobNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("download failed with status %d: %s", resp.StatusCode, string(body))
	}

	return io.ReadAll(resp.Body)
}

// GetSignedURL returns a signed URL for temporary access to a private file
func (c *Client) GetSignedURL(ctx context.Context, bucket, path string, expiresIn int) (string, error) {
	url := fmt.Sprintf("%s/object/sign/%s/%s", c.baseURL, bucket, path)

	body, err := json.Marshal(map[string]int{"expiresIn": expiresIn})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to get signed URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("get signed URL failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var signed struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return "", fmt.Errorf("failed to decode signed URL response: %w", err)
	}
	// signedURL is relative to the storage API root
	return c.baseURL + signed.SignedURL, nil
}

// SupabaseStore is a BlobStore over one Supabase Storage bucket
type SupabaseStore struct {
	client *Client
	bucket string
}

func (s *SupabaseStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return s.client.Upload(ctx, s.bucket, key, data, contentType)
}

func (s *SupabaseStore) refPrefix() string {
	return s.bucket + "/"
}

func (s *SupabaseStore) Get(ctx context.Context, ref string) ([]byte, error) {
	key, err := keyFromRef(ref, s.refPrefix())
	if err != nil {
		return nil, err
	}
	return s.client.Download(ctx, s.bucket, key)
}

// SignedURL returns a temporary download link for the object behind ref
func (s *SupabaseStore) SignedURL(ctx context.Context, ref string, expiresIn time.Duration) (string, error) {
	key, err := keyFromRef(ref, s.refPrefix())
	if err != nil {
		return "", err
	}
	return s.client.GetSignedURL(ctx, s.bucket, key, int(expiresIn.Seconds()))
}
