package integration_test

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/ssh"

	"pkt.systems/codeyard"
	"pkt.systems/codeyard/core"
	"pkt.systems/codeyard/httpapi"
	"pkt.systems/codeyard/internal/auth"
	"pkt.systems/codeyard/internal/channel/sshchannel"
	"pkt.systems/codeyard/internal/eventbus"
	"pkt.systems/codeyard/internal/metrics"
	"pkt.systems/codeyard/internal/persist"
	"pkt.systems/codeyard/schema"
	"pkt.systems/codeyard/sshserver"
	"pkt.systems/pslog"
)

const (
	testUser     = "alice"
	testPassword = "correct horse"
)

type testServer struct {
	baseURL    string
	service    *core.Service
	bus        *eventbus.Bus
	totpSecret string
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func testLogger() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true, MinLevel: pslog.ErrorLevel})
}

// newTestServer wires the HTTP API to an in-process sandbox host through the
// ssh channel driver, with logins backed by a user file.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	requireShell(t)
	dir := t.TempDir()
	logger := testLogger()

	signer, pub := newTestSigner(t)
	addr := startSandbox(t, dir, pub)

	provider, err := sshchannel.New(sshchannel.Config{
		Addr:                  addr,
		User:                  "dev",
		Signer:                signer,
		InsecureIgnoreHostKey: true,
	}, logger)
	if err != nil {
		t.Fatalf("ssh provider: %v", err)
	}
	store, err := persist.NewStoreWithOptions(filepath.Join(dir, "workspaces"), persist.Options{Compress: true, Logger: logger})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	users, err := auth.NewStore(filepath.Join(dir, "users.json"), logger)
	if err != nil {
		t.Fatalf("user store: %v", err)
	}
	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	secret, _, err := auth.GenerateTOTP(testUser)
	if err != nil {
		t.Fatalf("totp: %v", err)
	}
	if err := users.AddUser(auth.User{Username: testUser, PasswordHash: hash, TOTPSecret: secret}); err != nil {
		t.Fatalf("add user: %v", err)
	}

	hub := httpapi.NewHub(128)
	bus := eventbus.New(logger)
	m := metrics.New()
	svc, err := core.NewService(schema.WorkspaceConfig{
		StepTimeout: 5 * time.Second,
		RunTimeout:  10 * time.Second,
	}, core.ServiceDeps{
		Store:     store,
		Channels:  provider,
		EventSink: codeyard.FanOut(hub, bus, m),
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	t.Cleanup(func() { svc.Close(context.Background()) })

	handler := httpapi.NewServer(httpapi.Config{Metrics: true}, svc, users, hub, m).Handler()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{baseURL: srv.URL, service: svc, bus: bus, totpSecret: secret}
}

func newTestSigner(t *testing.T) (ssh.Signer, ssh.PublicKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer, signer.PublicKey()
}

func startSandbox(t *testing.T, dir string, allowed ssh.PublicKey) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &sshserver.Server{
		Addr:           ln.Addr().String(),
		Listener:       ln,
		HostKeyPath:    filepath.Join(dir, "host_key"),
		AuthorizedKeys: []ssh.PublicKey{allowed},
		WorkRoot:       filepath.Join(dir, "sandbox"),
	}
	ctx, cancel := context.WithCancel(pslog.ContextWithLogger(context.Background(), testLogger()))
	done := make(chan struct{})
	go func() {
		_ = srv.ListenAndServe(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})
	return ln.Addr().String()
}

func (ts *testServer) login(t *testing.T) *http.Client {
	t.Helper()
	client, err := loginWithPassword(ts.baseURL, testUser, testPassword, mustTOTP(t, ts.totpSecret))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return client
}

func loginWithPassword(baseURL, username, password, code string) (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Jar: jar}
	data, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
		"totp":     code,
	})
	if err != nil {
		return nil, err
	}
	resp, err := client.Post(baseURL+"/api/login", "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("login failed: " + resp.Status)
	}
	return client, nil
}

func mustTOTP(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("generate totp: %v", err)
	}
	return code
}

func doJSON(t *testing.T, client *http.Client, method, url string, body, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func readSSEvent(ctx context.Context, reader *bufio.Reader) (httpapi.StreamEvent, error) {
	var dataLines []string
	for {
		select {
		case <-ctx.Done():
			return httpapi.StreamEvent{}, ctx.Err()
		default:
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return httpapi.StreamEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(dataLines) == 0 {
				continue
			}
			break
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	var event httpapi.StreamEvent
	if err := json.Unmarshal([]byte(strings.Join(dataLines, "\n")), &event); err != nil {
		return httpapi.StreamEvent{}, err
	}
	return event, nil
}
