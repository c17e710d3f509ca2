package authmethods

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

const (
	jwksTimeout = 5 * time.Second
	jwksTTL     = time.Hour
)

// jwksCache fetches and caches provider signing keys. A lookup that misses
// the cached set refetches once, so provider key rotation is picked up
// without a restart.
type jwksCache struct {
	client *http.Client
	now    func() time.Time

	mu      sync.Mutex
	keys    map[string]map[string]*rsa.PublicKey
	fetched map[string]time.Time
}

func newJWKSCache(now func() time.Time) *jwksCache {
	return &jwksCache{
		client:  &http.Client{Timeout: jwksTimeout},
		now:     now,
		keys:    make(map[string]map[string]*rsa.PublicKey),
		fetched: make(map[string]time.Time),
	}
}

// Key resolves the RSA public key for kid from the JWKS document at uri.
func (c *jwksCache) Key(ctx context.Context, uri, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, cached := c.keys[uri]
	fresh := cached && c.now().Sub(c.fetched[uri]) < jwksTTL
	if fresh {
		if k, found := set[kid]; found {
			return k, nil
		}
	}
	set, err := c.fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	c.keys[uri] = set
	c.fetched[uri] = c.now()
	k, found := set[kid]
	if !found {
		return nil, fmt.Errorf("jwks %s: no key %q", uri, kid)
	}
	return k, nil
}

func (c *jwksCache) fetch(ctx context.Context, uri string) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks %s: %w", uri, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks %s: status %d", uri, resp.StatusCode)
	}

	var doc struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode jwks %s: %w", uri, err)
	}

	set := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		nb, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			continue
		}
		eb, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			continue
		}
		set[k.Kid] = &rsa.PublicKey{
			N: new(big.Int).SetBytes(nb),
			E: int(new(big.Int).SetBytes(eb).Int64()),
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("jwks %s: no usable RSA signing keys", uri)
	}
	return set, nil
}
