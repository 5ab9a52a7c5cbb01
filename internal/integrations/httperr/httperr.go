// Package httperr carries the HTTP error and request plumbing shared by the
// GP2GP collaborator clients.
package httperr

import (
	"fmt"
	"io"
	"net/http"
)

// StatusError captures non-2xx upstream responses with status-aware context.
// It satisfies the HTTPStatusCode interface the orchestrators use to
// classify download failures.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Do executes the request and returns the response body, or a *StatusError
// for non-2xx responses. Error bodies are truncated; success bodies are
// capped at 32 MiB, which comfortably covers a GP2GP fragment.
func Do(client *http.Client, req *http.Request, url string) ([]byte, error) {
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &StatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
