package pds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"ehr-out-service/internal/integrations/httperr"
)

// demographicsResponse is the slice of the PDS adaptor response this service
// needs: the ODS code of the patient's current registered practice.
type demographicsResponse struct {
	Data struct {
		OdsCode string `json:"odsCode"`
	} `json:"data"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client looks up a patient's current registered practice so a requesting
// practice's ODS code can be verified before a record is released.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	keyOnce sync.Once
	authKey string
	keyErr  error
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(ps Getter, paramPrefix, baseURL string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("pds: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("pds: parameter prefix must not be empty")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("pds: base URL must not be empty")
	}
	c := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetPatientOdsCode returns the ODS code of the practice the patient is
// currently registered with.
func (c *Client) GetPatientOdsCode(ctx context.Context, nhsNumber string) (string, error) {
	authKey, err := c.resolveAuthKey(ctx)
	if err != nil {
		return "", err
	}

	reqURL := fmt.Sprintf("%s/patient-demographics/%s", c.baseURL, url.PathEscape(nhsNumber))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("pds: create request: %w", err)
	}
	req.Header.Set("Authorization", authKey)

	raw, err := httperr.Do(c.httpClient, req, reqURL)
	if err != nil {
		return "", fmt.Errorf("pds: get patient demographics: %w", err)
	}

	var payload demographicsResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("pds: decode demographics: %w", err)
	}
	if payload.Data.OdsCode == "" {
		return "", errors.New("pds: demographics response has no ods code")
	}
	return payload.Data.OdsCode, nil
}

func (c *Client) resolveAuthKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.authKey, c.keyErr = c.getter.GetParameter(ctx, c.paramPrefix+"/pds-adaptor-auth-key")
		if c.keyErr == nil && strings.TrimSpace(c.authKey) == "" {
			c.keyErr = errors.New("pds: auth key is empty")
		}
	})
	return c.authKey, c.keyErr
}
