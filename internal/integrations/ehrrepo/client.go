package ehrrepo

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

	"ehr-out-service/internal/domain"
	"ehr-out-service/internal/integrations/httperr"
)

// coreResponse is the record repository's core-document shape.
type coreResponse struct {
	CoreMessageID      string   `json:"coreMessageId"`
	FragmentMessageIDs []string `json:"fragmentMessageIds"`
	Payload            string   `json:"payload"`
}

type fragmentResponse struct {
	Payload string `json:"payload"`
}

// Getter resolves named parameters. Consumers depend on this interface
// rather than the concrete paramstore client so they remain testable
// without real AWS calls.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client talks to the EHR record repository: core/fragment retrieval for the
// outbound leg, and deletion of a superseded record after a positive
// integration acknowledgement.
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

// NewClient creates a Client for the repository at baseURL. The auth key is
// fetched from the parameter store on first use and reused for the lifetime
// of the process.
func NewClient(ps Getter, paramPrefix, baseURL string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("ehrrepo: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("ehrrepo: parameter prefix must not be empty")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("ehrrepo: base URL must not be empty")
	}
	c := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetCoreDocument fetches the core EHR document for an inbound conversation,
// together with the fragment ids it references. A 404 surfaces as a
// *httperr.StatusError so the orchestrator can classify it as missing from
// the repo.
func (c *Client) GetCoreDocument(ctx context.Context, inboundConversationID string) (*domain.CoreDocument, error) {
	raw, err := c.get(ctx, fmt.Sprintf("%s/messages/%s", c.baseURL, url.PathEscape(inboundConversationID)))
	if err != nil {
		return nil, fmt.Errorf("ehrrepo: get core document: %w", err)
	}

	var payload coreResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("ehrrepo: decode core document: %w", err)
	}
	if payload.CoreMessageID == "" {
		return nil, errors.New("ehrrepo: core document has no message id")
	}
	return &domain.CoreDocument{
		Payload:            payload.Payload,
		CoreMessageID:      payload.CoreMessageID,
		FragmentMessageIDs: payload.FragmentMessageIDs,
	}, nil
}

// GetFragmentDocument fetches one fragment payload by its inbound message id.
func (c *Client) GetFragmentDocument(ctx context.Context, inboundConversationID, inboundMessageID string) (*domain.FragmentDocument, error) {
	raw, err := c.get(ctx, fmt.Sprintf("%s/messages/%s/fragments/%s",
		c.baseURL, url.PathEscape(inboundConversationID), url.PathEscape(inboundMessageID)))
	if err != nil {
		return nil, fmt.Errorf("ehrrepo: get fragment document: %w", err)
	}

	var payload fragmentResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("ehrrepo: decode fragment document: %w", err)
	}
	return &domain.FragmentDocument{Payload: payload.Payload}, nil
}

// DeletePatientRecord asks the repository to delete the now-superseded
// source record for an inbound conversation.
func (c *Client) DeletePatientRecord(ctx context.Context, inboundConversationID string) error {
	authKey, err := c.resolveAuthKey(ctx)
	if err != nil {
		return err
	}

	reqURL := fmt.Sprintf("%s/patient-records/%s", c.baseURL, url.PathEscape(inboundConversationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
	if err != nil {
		return fmt.Errorf("ehrrepo: create delete request: %w", err)
	}
	req.Header.Set("Authorization", authKey)

	if _, err := httperr.Do(c.httpClient, req, reqURL); err != nil {
		return fmt.Errorf("ehrrepo: delete patient record: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	authKey, err := c.resolveAuthKey(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", authKey)

	return httperr.Do(c.httpClient, req, reqURL)
}

// resolveAuthKey fetches the repository auth key from the parameter store on
// the first call and returns the cached result afterwards.
func (c *Client) resolveAuthKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.authKey, c.keyErr = c.getter.GetParameter(ctx, c.paramPrefix+"/ehr-repo-auth-key")
		if c.keyErr == nil && strings.TrimSpace(c.authKey) == "" {
			c.keyErr = errors.New("ehrrepo: auth key is empty")
		}
	})
	return c.authKey, c.keyErr
}
