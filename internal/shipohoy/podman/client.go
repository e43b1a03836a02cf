package podman

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

const apiVersion = "v4.0.0"

// APIError is a non-2xx answer from the podman service.
type APIError struct {
	Op      string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("podman %s: %d %s", e.Op, e.Status, e.Message)
}

// IsNotFound reports whether err is a podman 404.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

func hasStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

type apiClient struct {
	address string
	base    *url.URL
	http    *http.Client
}

func dial(address string) (*apiClient, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.New("podman address is required")
	}
	base, transport, err := transportFor(address)
	if err != nil {
		return nil, err
	}
	return &apiClient{address: address, base: base, http: &http.Client{Transport: transport}}, nil
}

// transportFor accepts unix://, tcp:// and plain host:port addresses.
func transportFor(address string) (*url.URL, *http.Transport, error) {
	if socket, ok := strings.CutPrefix(address, "unix://"); ok {
		if socket == "" {
			return nil, nil, errors.New("podman unix socket path is required")
		}
		base := &url.URL{Scheme: "http", Host: "podman"}
		return base, &http.Transport{
			DisableCompression: true,
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
		}, nil
	}
	if rest, ok := strings.CutPrefix(address, "tcp://"); ok {
		address = "http://" + rest
	} else if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	base, err := url.Parse(address)
	if err != nil {
		return nil, nil, err
	}
	return base, &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}, nil
}

// open sends a request and returns the raw response for streaming endpoints.
// A non-nil body is sent as JSON.
func (c *apiClient) open(ctx context.Context, op, method, endpoint string, query url.Values, body any) (*http.Response, error) {
	target := *c.base
	target.Path = path.Join("/", apiVersion, endpoint)
	target.RawQuery = query.Encode()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("podman %s: encode: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("podman %s: %w", op, err)
	}
	if res.StatusCode >= 300 && res.StatusCode != http.StatusNotModified {
		defer func() { _ = res.Body.Close() }()
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &APIError{Op: op, Status: res.StatusCode, Message: apiMessage(msg, res.Status)}
	}
	return res, nil
}

// call performs a request and decodes a JSON answer into out when set.
func (c *apiClient) call(ctx context.Context, op, method, endpoint string, query url.Values, body, out any) (int, error) {
	res, err := c.open(ctx, op, method, endpoint, query, body)
	if err != nil {
		return 0, err
	}
	defer func() { _ = res.Body.Close() }()
	if out == nil || res.StatusCode == http.StatusNoContent || res.StatusCode == http.StatusNotModified {
		_, _ = io.Copy(io.Discard, res.Body)
		return res.StatusCode, nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return res.StatusCode, fmt.Errorf("podman %s: decode: %w", op, err)
	}
	return res.StatusCode, nil
}

// apiMessage prefers the "message" field podman puts in error bodies.
func apiMessage(body []byte, fallback string) string {
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		return payload.Message
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	return fallback
}

// socketCandidates lists the configured address first, then the usual
// rootless and rootful socket locations.
func socketCandidates(primary string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr != "" && !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	add(primary)
	if dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); dir != "" {
		add("unix://" + path.Join(dir, "podman", "podman.sock"))
	}
	add("unix://" + path.Join("/run", "user", fmt.Sprint(os.Getuid()), "podman", "podman.sock"))
	add("unix:///run/podman/podman.sock")
	return out
}
