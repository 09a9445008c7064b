// Package discovery implements the Peer Discovery Manager (§4.8): serving
// this node's well-known and discovery endpoints, and crawling other
// nodes' endpoints breadth-first to build the cluster membership view.
// Grounded on the teacher's pkg/discovery Service (periodic Refresh loop,
// single-flighted, best-effort per-peer errors) and pkg/kademlia's
// jittered worker delay.
package discovery

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"vncache.io/vncache/pkg/auth"
	"vncache.io/vncache/pkg/peeradv"
	"vncache.io/vncache/private/sync2"
)

// Error classes failures from this package.
var Error = errs.Class("discovery")

// minDelay and maxDelay bound the randomized inter-request delay between
// discovery-crawl requests (§4.8).
const (
	minDelay = 100 * time.Millisecond
	maxDelay = 500 * time.Millisecond
)

// Self describes this node for self-advertisement purposes.
type Self struct {
	NodeID       string
	ConnectURL   string
	DiscoveryURL string
}

// Manager crawls peer advertisements breadth-first from a set of seed
// well-known URIs and serves this node's own well-known/discovery
// endpoints.
type Manager struct {
	auth       *auth.Manager
	collection *peeradv.Collection
	self       Self
	seeds      []string
	httpClient *http.Client
	log        *zap.Logger

	mu       sync.Mutex
	crawling bool

	ready sync2.Fence
}

// Ready blocks until the first crawl has completed (or ctx is cancelled).
// The reference node binary does not call it; ServeDiscovery answers from
// whatever the collection holds, even before the first crawl.
func (m *Manager) Ready(ctx context.Context) error {
	return m.ready.Wait(ctx)
}

// Options configures a Manager.
type Options struct {
	HTTPClient *http.Client
	Log        *zap.Logger
}

// New constructs a Manager. seeds is the ordered list of absolute
// well-known URIs to resolve for the initial peer set (§4.8).
func New(authMgr *auth.Manager, collection *peeradv.Collection, self Self, seeds []string, opts Options) *Manager {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		auth:       authMgr,
		collection: collection,
		self:       self,
		seeds:      seeds,
		httpClient: client,
		log:        log,
	}
}

// SelfAdvertisement returns a freshly signed self-advertisement token for
// this node.
func (m *Manager) SelfAdvertisement() (string, error) {
	nonce, err := randomNonce()
	if err != nil {
		return "", Error.Wrap(err)
	}
	token, err := peeradv.Sign(m.auth, peeradv.Advertisement{
		NodeID:       m.self.NodeID,
		URL:          m.self.ConnectURL,
		DiscoveryURL: m.self.DiscoveryURL,
		IssuedAt:     time.Now(),
		Nonce:        nonce,
	})
	if err != nil {
		return "", Error.Wrap(err)
	}
	return token, nil
}

// ServeWellKnown is the handler for well_known_path (§6): it returns this
// node's self-signed advertisement.
func (m *Manager) ServeWellKnown(w http.ResponseWriter, r *http.Request) {
	token, err := m.SelfAdvertisement()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(token))
}

// ServeDiscovery is the handler for discovery_path (§6): it verifies the
// caller's signed discovery request and responds with the current peer
// membership list, each entry the original signed advertisement token so
// the caller can independently verify it.
func (m *Manager) ServeDiscovery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if _, err := m.auth.VerifyJWT(strings.TrimSpace(string(body)), true); err != nil {
		m.log.Warn("rejecting discovery request", zap.Error(err))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	snapshot := m.collection.Snapshot(m.self.NodeID)
	tokens := make([]string, 0, len(snapshot))
	for _, adv := range snapshot {
		tokens = append(tokens, adv.Token)
	}
	nonce, err := randomNonce()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	respToken, err := m.auth.SignJWT(jwt.MapClaims{
		"iat":   time.Now().Unix(),
		"nonce": nonce,
		"peers": tokens,
	})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(respToken))
}

// Crawl runs one breadth-first discovery pass (§4.8). It is
// single-flighted: a call made while a crawl is already in progress is a
// no-op that returns immediately.
func (m *Manager) Crawl(ctx context.Context) {
	m.mu.Lock()
	if m.crawling {
		m.mu.Unlock()
		return
	}
	m.crawling = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.crawling = false
		m.mu.Unlock()
	}()

	working := map[string]peeradv.Advertisement{}
	visited := map[string]bool{}
	var queue []peeradv.Advertisement

	for _, seed := range m.seeds {
		adv, err := m.fetchWellKnown(ctx, seed)
		if err != nil {
			m.log.Info("discovery seed unreachable", zap.String("seed", seed), zap.Error(err))
			continue
		}
		if _, dup := working[normalizeID(adv.NodeID)]; dup {
			continue
		}
		working[normalizeID(adv.NodeID)] = adv
		queue = append(queue, adv)
	}

	for len(queue) > 0 {
		peer := queue[0]
		queue = queue[1:]
		if peer.DiscoveryURL == "" || visited[normalizeID(peer.NodeID)] {
			continue
		}
		visited[normalizeID(peer.NodeID)] = true

		if err := sleepJitter(ctx); err != nil {
			return
		}

		advs, err := m.fetchDiscovery(ctx, peer.DiscoveryURL)
		if err != nil {
			m.log.Info("discovery peer request failed", zap.String("peer", peer.NodeID), zap.Error(err))
			continue
		}
		for _, adv := range advs {
			id := normalizeID(adv.NodeID)
			if _, dup := working[id]; dup {
				continue
			}
			working[id] = adv
			queue = append(queue, adv)
		}
	}

	selfID := normalizeID(m.self.NodeID)
	list := make([]peeradv.Advertisement, 0, len(working))
	for id, adv := range working {
		if m.self.NodeID != "" && id == selfID {
			continue
		}
		list = append(list, adv)
	}
	m.collection.Replace(list)
	m.ready.Release()
}

// Run drives periodic crawls at interval until ctx is cancelled, matching
// the teacher's pkg/discovery Service.Run ticker-loop shape.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	m.Crawl(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Crawl(ctx)
		}
	}
}

func (m *Manager) fetchWellKnown(ctx context.Context, wellKnownURL string) (peeradv.Advertisement, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURL, nil)
	if err != nil {
		return peeradv.Advertisement{}, Error.Wrap(err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return peeradv.Advertisement{}, Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return peeradv.Advertisement{}, Error.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		return peeradv.Advertisement{}, Error.New("well-known endpoint returned status %d", resp.StatusCode)
	}
	return peeradv.Verify(m.auth, strings.TrimSpace(string(body)), true)
}

func (m *Manager) fetchDiscovery(ctx context.Context, discoveryURL string) ([]peeradv.Advertisement, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	reqToken, err := m.auth.SignJWT(jwt.MapClaims{
		"iat":   time.Now().Unix(),
		"nonce": nonce,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, discoveryURL, strings.NewReader(reqToken))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, Error.New("discovery endpoint returned status %d", resp.StatusCode)
	}

	claims, err := m.auth.VerifyJWT(strings.TrimSpace(string(body)), true)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	rawPeers, _ := claims["peers"].([]interface{})

	out := make([]peeradv.Advertisement, 0, len(rawPeers))
	for _, raw := range rawPeers {
		token, ok := raw.(string)
		if !ok {
			continue
		}
		adv, err := peeradv.Verify(m.auth, token, true)
		if err != nil {
			m.log.Info("discarding unverifiable advertisement from peer list", zap.Error(err))
			continue
		}
		out = append(out, adv)
	}
	return out, nil
}

func sleepJitter(ctx context.Context) error {
	span := big.NewInt(int64(maxDelay - minDelay))
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return Error.Wrap(err)
	}
	delay := minDelay + time.Duration(n.Int64())
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomNonce() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func normalizeID(nodeID string) string {
	return strings.ToLower(nodeID)
}
