package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/asgardops/maestro/pkg/types"
)

// HTTPClient fetches application ownership metadata from an external
// registry over HTTP, the way the teacher's client packages talk to
// their respective backends.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{Timeout: 10 * time.Second}}
}

func (c *HTTPClient) GetContact(ctx context.Context, application string) (*types.Contact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/applications/"+application+".json", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata: GET application %s: %w", application, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrApplicationNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata: GET application %s: unexpected status %d", application, resp.StatusCode)
	}

	var contact types.Contact
	if err := json.NewDecoder(resp.Body).Decode(&contact); err != nil {
		return nil, fmt.Errorf("metadata: decoding contact for %s: %w", application, err)
	}
	return &contact, nil
}

var _ Service = (*HTTPClient)(nil)
