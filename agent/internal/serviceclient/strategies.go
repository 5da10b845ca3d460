package serviceclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loghaven/loghaven/agent/internal/store"
	"github.com/loghaven/loghaven/agent/internal/transport"
	"github.com/loghaven/loghaven/pkg/protocol"
)

// apiKeyClient sends a static key in the configured header.
type apiKeyClient struct {
	base

	mu  sync.Mutex
	key string
}

func (c *apiKeyClient) Init(ctx context.Context) error {
	if c.cfg.Auth.Mode != "apikey" {
		return nil
	}
	key := c.cfg.Auth.Key()
	if key == "" {
		slog.Warn("serviceclient: api key is empty", "key_env", c.cfg.Auth.KeyEnv)
	}
	c.mu.Lock()
	c.key = key
	c.mu.Unlock()
	return nil
}

// FlushCredential re-reads the key from the environment. It fails when there
// is no key or the key did not change, since a resend would be rejected again.
func (c *apiKeyClient) FlushCredential(ctx context.Context) bool {
	if c.cfg.Auth.Mode != "apikey" {
		return false
	}
	key := c.cfg.Auth.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if key == "" || key == c.key {
		return false
	}
	c.key = key
	return true
}

func (c *apiKeyClient) SignHeader(req *transport.Request) {
	if c.cfg.Auth.Mode != "apikey" {
		return
	}
	c.mu.Lock()
	key := c.key
	c.mu.Unlock()
	req.SetHeader(c.cfg.Auth.Header, key)
}

// credentialUID is the store key of the configuration server access key.
const credentialUID = "config_server"

type credentialFile struct {
	AccessKeyID string `yaml:"access_key_id"`
	AccessKey   string `yaml:"access_key"`
}

// hmacClient signs each request with an access key pair.
type hmacClient struct {
	base
	store *store.Store
	now   func() time.Time
}

func (c *hmacClient) Init(ctx context.Context) error {
	cred, err := readCredential(c.cfg.CredentialFile)
	if err != nil {
		return err
	}
	c.store.SetUserAK(credentialUID, cred.AccessKeyID, cred.AccessKey)
	slog.Info("serviceclient: credential loaded", "access_key_id", cred.AccessKeyID)
	return nil
}

// FlushCredential re-reads the credential file. It succeeds only when the
// file holds a key pair different from the one in use.
func (c *hmacClient) FlushCredential(ctx context.Context) bool {
	cred, err := readCredential(c.cfg.CredentialFile)
	if err != nil {
		slog.Warn("serviceclient: flush credential failed", "err", err)
		return false
	}
	if prev, ok := c.store.GetUserAK(credentialUID); ok &&
		prev.ID == cred.AccessKeyID && prev.Secret == cred.AccessKey {
		return false
	}
	return c.store.UpdateAccessKey(credentialUID, cred.AccessKeyID, cred.AccessKey, 0)
}

func (c *hmacClient) SignHeader(req *transport.Request) {
	ak, ok := c.store.GetUserAK(credentialUID)
	if !ok {
		return
	}
	date := c.now().UTC().Format(http.TimeFormat)
	req.SetHeader(protocol.HeaderDate, date)
	sig := protocol.Sign(ak.Secret, req.Method, req.Path, req.Headers.Get("Content-Type"), date, req.Body)
	req.SetHeader(protocol.HeaderAuthorization, protocol.Authorization(ak.ID, sig))
}

func readCredential(path string) (credentialFile, error) {
	var cred credentialFile
	data, err := os.ReadFile(path)
	if err != nil {
		return cred, fmt.Errorf("serviceclient: read credential file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cred); err != nil {
		return cred, fmt.Errorf("serviceclient: parse credential file: %w", err)
	}
	if cred.AccessKeyID == "" || cred.AccessKey == "" {
		return cred, fmt.Errorf("serviceclient: credential file %q: access_key_id and access_key are required", path)
	}
	return cred, nil
}
