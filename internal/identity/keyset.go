package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// GoogleDiscoveryURL is the default OpenID discovery document.
const GoogleDiscoveryURL = "https://accounts.google.com/.well-known/openid-configuration"

const maxDocumentSize = 1 << 20

// KeySetConfig configures a KeySet.
type KeySetConfig struct {
	DiscoveryURL string
	// MinRefreshInterval throttles refreshes triggered by unknown key IDs.
	MinRefreshInterval time.Duration
	HTTPClient         *http.Client
}

// KeySet caches the identity provider's signing keys. Each refresh loads
// the JWKS into a fresh storage and swaps it in whole; a failed refresh
// leaves the previous keys in place.
type KeySet struct {
	discoveryURL string
	minRefresh   time.Duration
	client       *http.Client
	logger       zerolog.Logger
	now          func() time.Time

	mu          sync.RWMutex
	jwks        keyfunc.Keyfunc // nil until the first successful refresh
	count       int
	issuer      string
	lastAttempt time.Time

	refreshMu sync.Mutex
	unknown   singleflight.Group
}

// NewKeySet creates an empty KeySet. Call Refresh or Run to populate it.
func NewKeySet(cfg KeySetConfig, logger zerolog.Logger) *KeySet {
	if cfg.DiscoveryURL == "" {
		cfg.DiscoveryURL = GoogleDiscoveryURL
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &KeySet{
		discoveryURL: cfg.DiscoveryURL,
		minRefresh:   cfg.MinRefreshInterval,
		client:       cfg.HTTPClient,
		logger:       logger.With().Str("component", "identity").Logger(),
		now:          time.Now,
	}
}

// Issuer returns the issuer named by the last successful discovery fetch.
func (k *KeySet) Issuer() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.issuer
}

// Len returns the number of cached keys.
func (k *KeySet) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.count
}

// Run refreshes the key set every interval until ctx is cancelled.
func (k *KeySet) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := k.Refresh(ctx); err != nil {
				k.logger.Warn().Err(err).Msg("periodic key refresh failed, keeping previous keys")
			}
		}
	}
}

// Refresh fetches the discovery document and the JWKS it points to, then
// replaces the cached keys. On failure the previous keys are kept.
func (k *KeySet) Refresh(ctx context.Context) error {
	k.refreshMu.Lock()
	defer k.refreshMu.Unlock()
	return k.refreshLocked(ctx)
}

func (k *KeySet) refreshLocked(ctx context.Context) error {
	k.mu.Lock()
	k.lastAttempt = k.now()
	k.mu.Unlock()

	var doc struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	if err := k.fetchJSON(ctx, k.discoveryURL, &doc); err != nil {
		return fmt.Errorf("fetch discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return errors.New("discovery document has no jwks_uri")
	}

	// No RefreshInterval: Run owns the schedule, so jwkset starts no goroutine.
	fetched, err := jwkset.NewStorageFromHTTP(doc.JWKSURI, jwkset.HTTPClientStorageOptions{
		Client:      k.client,
		Ctx:         ctx,
		HTTPTimeout: k.client.Timeout,
	})
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	signing, count, err := signingKeys(ctx, fetched)
	if err != nil {
		return err
	}
	jwks, err := keyfunc.New(keyfunc.Options{Storage: signing})
	if err != nil {
		return err
	}

	k.mu.Lock()
	k.jwks = jwks
	k.count = count
	k.issuer = doc.Issuer
	k.mu.Unlock()

	k.logger.Debug().Int("keys", count).Str("issuer", doc.Issuer).Msg("signing keys refreshed")
	return nil
}

// signingKeys copies the named signature keys out of fetched into a memory
// storage, skipping keys published for another use.
func signingKeys(ctx context.Context, fetched jwkset.Storage) (*jwkset.MemoryJWKSet, int, error) {
	all, err := fetched.KeyReadAll(ctx)
	if err != nil {
		return nil, 0, err
	}
	signing := jwkset.NewMemoryStorage()
	count := 0
	for _, j := range all {
		m := j.Marshal()
		if m.KID == "" || (m.USE != "" && m.USE != jwkset.UseSig) {
			continue
		}
		if err := signing.KeyWrite(ctx, j); err != nil {
			return nil, 0, err
		}
		count++
	}
	if count == 0 {
		return nil, 0, errors.New("jwks contains no usable signing keys")
	}
	return signing, count, nil
}

func (k *KeySet) current() keyfunc.Keyfunc {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.jwks
}

// lookup returns the key source holding kid. An unknown kid triggers at most
// one refresh per MinRefreshInterval; callers that arrive while that refresh
// runs wait for it and then look again.
func (k *KeySet) lookup(ctx context.Context, kid string) (keyfunc.Keyfunc, bool) {
	if jwks := k.current(); hasKey(ctx, jwks, kid) {
		return jwks, true
	}

	k.unknown.Do("refresh", func() (any, error) {
		k.refreshMu.Lock()
		defer k.refreshMu.Unlock()

		k.mu.RLock()
		stale := k.now().Sub(k.lastAttempt) >= k.minRefresh
		k.mu.RUnlock()
		if !stale {
			return nil, nil
		}
		k.logger.Info().Str("kid", kid).Msg("unknown key id, refreshing signing keys")
		if err := k.refreshLocked(ctx); err != nil {
			k.logger.Warn().Err(err).Msg("key refresh failed")
		}
		return nil, nil
	})

	jwks := k.current()
	return jwks, hasKey(ctx, jwks, kid)
}

func hasKey(ctx context.Context, jwks keyfunc.Keyfunc, kid string) bool {
	if jwks == nil {
		return false
	}
	_, err := jwks.Storage().KeyRead(ctx, kid)
	return err == nil
}

func (k *KeySet) fetchJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := k.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(v)
}
