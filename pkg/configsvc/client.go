package configsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPClient talks to the per-hash configuration service and the policy
// gate over HTTP, implementing both ConfigService and PolicyService.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{Timeout: 10 * time.Second}}
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("configsvc: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrHashNotFound
	default:
		return fmt.Errorf("configsvc: GET %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrParseFault, path, err)
	}
	return nil
}

func (c *HTTPClient) LatestHash(ctx context.Context, environment, application string) (string, error) {
	var result struct {
		Hash string `json:"hash"`
	}
	path := "/" + environment + "/" + application + "/latest.json"
	if err := c.getJSON(ctx, path, &result); err != nil {
		return "", err
	}
	return result.Hash, nil
}

func (c *HTTPClient) VerifyHash(ctx context.Context, environment, application, hash string) error {
	var result struct {
		Exists bool `json:"exists"`
	}
	path := "/" + environment + "/" + application + "/" + hash + "/exists.json"
	if err := c.getJSON(ctx, path, &result); err != nil {
		return err
	}
	if !result.Exists {
		return ErrHashNotFound
	}
	return nil
}

func (c *HTTPClient) ApplicationProperties(ctx context.Context, environment, application, hash string) (map[string]interface{}, error) {
	var doc map[string]interface{}
	path := "/" + environment + "/" + application + "/" + hash + "/application-properties.json"
	if err := c.getJSON(ctx, path, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *HTTPClient) DeploymentParams(ctx context.Context, environment, application, hash string) (map[string]interface{}, error) {
	var doc map[string]interface{}
	path := "/" + environment + "/" + application + "/" + hash + "/deployment-params.json"
	if err := c.getJSON(ctx, path, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *HTTPClient) LaunchData(ctx context.Context, environment, application, hash string) (string, error) {
	var result struct {
		LaunchData string `json:"launch-data"`
	}
	path := "/" + environment + "/" + application + "/" + hash + "/launch-data.json"
	if err := c.getJSON(ctx, path, &result); err != nil {
		return "", err
	}
	return result.LaunchData, nil
}

func (c *HTTPClient) CheckConfiguration(ctx context.Context, environment, application string) (bool, error) {
	var result struct {
		Cleared bool `json:"cleared"`
	}
	path := "/" + environment + "/" + application + "/policy.json"
	if err := c.getJSON(ctx, path, &result); err != nil {
		if err == ErrHashNotFound {
			return false, nil
		}
		return false, err
	}
	return result.Cleared, nil
}

var (
	_ ConfigService = (*HTTPClient)(nil)
	_ PolicyService = (*HTTPClient)(nil)
)
