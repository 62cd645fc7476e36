// Package atproto resolves Roomy-side author profiles (handle, display
// name, avatar) by DID against an AT Protocol PDS, so the Roomy→Discord
// translator can impersonate non-Discord authors on a webhook. It is a
// hand-rolled XRPC client in the same style as the teacher's
// internal/bsky/client.go, for the same reason: a well-specified but
// officially-Go-SDK-less protocol.
package atproto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	defaultPDSURL = "https://bsky.social"
	profileTTL    = 1 * time.Hour
)

// Profile is the subset of an AT Protocol actor profile the bridge needs.
type Profile struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

type cachedProfile struct {
	profile   Profile
	fetchedAt time.Time
}

// Client resolves and caches AT Protocol profiles. Optionally authenticates
// as a bridge identity (ATPROTO_BRIDGE_DID / ATPROTO_BRIDGE_APP_PASSWORD)
// when the PDS requires auth for profile lookups; unauthenticated lookups
// work against public PDS endpoints.
type Client struct {
	pdsURL      string
	identifier  string
	appPassword string
	httpClient  *http.Client

	mu      sync.Mutex
	session *session

	cache sync.Map // DID -> cachedProfile
}

type session struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	DID        string `json:"did"`
}

// New constructs a Client. identifier/appPassword may be empty, in which
// case only unauthenticated public lookups are attempted.
func New(identifier, appPassword string) *Client {
	c := &Client{
		pdsURL:      defaultPDSURL,
		identifier:  identifier,
		appPassword: appPassword,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
	}
	go c.sweepExpired(context.Background())
	return c
}

// Enabled reports whether bridge-identity authentication is configured.
func (c *Client) Enabled() bool {
	return c.identifier != "" && c.appPassword != ""
}

// Authenticate logs in as the bridge identity. Only needed if the PDS
// requires auth for profile lookups; safe to skip for public PDS reads.
func (c *Client) Authenticate(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	var sess session
	body := map[string]string{"identifier": c.identifier, "password": c.appPassword}
	if err := c.xrpcPost(ctx, "com.atproto.server.createSession", body, &sess); err != nil {
		return fmt.Errorf("atproto authenticate: %w", err)
	}
	c.mu.Lock()
	c.session = &sess
	c.mu.Unlock()
	return nil
}

// ResolveProfile returns the profile for a DID, using a cached copy if it
// was fetched within the last profileTTL.
func (c *Client) ResolveProfile(ctx context.Context, did string) (Profile, error) {
	if v, ok := c.cache.Load(did); ok {
		cp := v.(cachedProfile)
		if time.Since(cp.fetchedAt) < profileTTL {
			return cp.profile, nil
		}
	}

	var profile Profile
	params := url.Values{"actor": {did}}
	if err := c.xrpcGet(ctx, "app.bsky.actor.getProfile", params, &profile); err != nil {
		return Profile{}, fmt.Errorf("resolve profile %s: %w", did, err)
	}

	c.cache.Store(did, cachedProfile{profile: profile, fetchedAt: time.Now()})
	return profile, nil
}

// InvalidateProfile drops any cached profile for did, forcing the next
// ResolveProfile call to fetch fresh instead of waiting out profileTTL —
// used when a Roomy-originated profile update event arrives and the cached
// copy is now known stale.
func (c *Client) InvalidateProfile(did string) {
	c.cache.Delete(did)
}

// sweepExpired periodically drops stale cache entries so long-running
// processes don't accumulate profiles for users who've since left.
func (c *Client) sweepExpired(ctx context.Context) {
	ticker := time.NewTicker(profileTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			c.cache.Range(func(key, value interface{}) bool {
				if now.Sub(value.(cachedProfile).fetchedAt) >= profileTTL {
					c.cache.Delete(key)
				}
				return true
			})
		}
	}
}

func (c *Client) xrpcGet(ctx context.Context, method string, params url.Values, out interface{}) error {
	u := fmt.Sprintf("%s/xrpc/%s?%s", c.pdsURL, method, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	return c.do(req, out)
}

func (c *Client) xrpcPost(ctx context.Context, method string, body, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pdsURL+"/xrpc/"+method,
		bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	return c.do(req, out)
}

func (c *Client) authorize(req *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		req.Header.Set("Authorization", "Bearer "+c.session.AccessJwt)
	}
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("atproto PDS returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
