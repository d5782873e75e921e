package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

type EchoError struct {
	Message string `json:"message"`
}

// StatusError is returned for any response that is not 2xx.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status: %d: %s", e.StatusCode, e.Message)
}

func NewClient(timeout time.Duration) *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 100
	t.MaxConnsPerHost = 100
	t.MaxIdleConnsPerHost = 100
	return &http.Client{
		Timeout:   timeout,
		Transport: t,
	}
}

// DoRequest sends payload as json and decodes a json response into v when v
// is not nil. The returned status code is 0 when no response was received.
func DoRequest(ctx context.Context, client *http.Client, method, url string, headers map[string]string, payload []byte, v interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	for k, v := range headers {
		req.Header.Add(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		d, err := io.ReadAll(io.LimitReader(res.Body, 64*1024))
		if err != nil {
			return res.StatusCode, fmt.Errorf("read body: %w", err)
		}

		var echoerr EchoError
		if jserr := json.Unmarshal(d, &echoerr); jserr == nil && echoerr.Message != "" {
			return res.StatusCode, &StatusError{StatusCode: res.StatusCode, Message: echoerr.Message}
		}
		return res.StatusCode, &StatusError{StatusCode: res.StatusCode, Message: string(d)}
	}
	if v == nil {
		return res.StatusCode, nil
	}
	if err := json.NewDecoder(res.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return res.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return res.StatusCode, nil
}
