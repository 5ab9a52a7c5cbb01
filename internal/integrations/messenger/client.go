package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"ehr-out-service/internal/domain"
	"ehr-out-service/internal/integrations/httperr"
)

// sendRequest is the GP2GP messenger's outbound message shape. The ids here
// are outbound ids; the payload has already had its inbound identifiers
// substituted out.
type sendRequest struct {
	ConversationID string `json:"conversationId"`
	OdsCode        string `json:"odsCode"`
	MessageID      string `json:"messageId"`
	Payload        string `json:"payload"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client hands rewritten core and fragment messages to the outbound GP2GP
// messenger service.
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
		return nil, errors.New("messenger: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("messenger: parameter prefix must not be empty")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("messenger: base URL must not be empty")
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

// SendCore transmits the rewritten core EHR document.
func (c *Client) SendCore(ctx context.Context, msg domain.OutboundMessage) error {
	return c.send(ctx, c.baseURL+"/ehr-out-transfers/core", msg)
}

// SendFragment transmits one rewritten fragment.
func (c *Client) SendFragment(ctx context.Context, msg domain.OutboundMessage) error {
	return c.send(ctx, c.baseURL+"/ehr-out-transfers/fragment", msg)
}

func (c *Client) send(ctx context.Context, reqURL string, msg domain.OutboundMessage) error {
	if msg.OutboundConversationID == "" || msg.OutboundMessageID == "" {
		return errors.New("messenger: outbound conversation and message ids are required")
	}

	authKey, err := c.resolveAuthKey(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(sendRequest{
		ConversationID: msg.OutboundConversationID,
		OdsCode:        msg.DestinationGp,
		MessageID:      msg.OutboundMessageID,
		Payload:        msg.Payload,
	})
	if err != nil {
		return fmt.Errorf("messenger: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("messenger: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authKey)

	if _, err := httperr.Do(c.httpClient, req, reqURL); err != nil {
		return fmt.Errorf("messenger: send: %w", err)
	}
	return nil
}

func (c *Client) resolveAuthKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.authKey, c.keyErr = c.getter.GetParameter(ctx, c.paramPrefix+"/gp2gp-messenger-auth-key")
		if c.keyErr == nil && strings.TrimSpace(c.authKey) == "" {
			c.keyErr = errors.New("messenger: auth key is empty")
		}
	})
	return c.authKey, c.keyErr
}
