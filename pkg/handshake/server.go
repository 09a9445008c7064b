package handshake

import (
	"encoding/base64"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"vncache.io/vncache/pkg/auth"
	"vncache.io/vncache/pkg/peeradv"
	"vncache.io/vncache/pkg/wire"
)

// pingWriteTimeout bounds how long a single keepalive ping write may take
// before the connection is considered dead.
const pingWriteTimeout = 10 * time.Second

// Error classes failures from this package.
var Error = errs.Class("handshake")

// Accepted is the result of a successful upgrade: the negotiated stream,
// whether the other side authenticated as a known peer, and the peer
// advertisement it optionally presented.
type Accepted struct {
	Stream         *wire.Stream
	IsPeer         bool
	PeerAdvertised *peeradv.Advertisement
}

// Server handles HTTP requests against the configured connect_path (§4.7,
// §6). One Server instance handles both upgrade steps: step 1 is a plain
// GET carrying only the client's challenge JWT; step 2 additionally
// carries X-Cache-Upgrade-Sig and requests the websocket upgrade.
type Server struct {
	auth       *auth.Manager
	peers      *peeradv.Collection
	nodeID     string
	limits     wire.Limits
	verifyIP   bool
	keepalive  time.Duration
	upgrader   websocket.Upgrader
	log        *zap.Logger
	onAccepted func(r *http.Request, accepted *Accepted)
}

// Options configures a Server.
type Options struct {
	NodeID string
	Limits wire.Limits
	// VerifyIP binds the negotiation response to the remote address that
	// requested it (§4.7 "Optional verify_ip policy"): the follow-up
	// upgrade request must come from the same remote address as the step
	// 1 challenge request, or the upgrade is rejected with 403.
	VerifyIP bool
	// KeepaliveInterval, if positive, starts a goroutine per accepted
	// session that sends a periodic zero-length websocket ping control
	// frame to the client (keepalive_interval_sec, §6). Zero disables it.
	KeepaliveInterval time.Duration
	Log               *zap.Logger
	// OnAccepted is invoked synchronously from ServeHTTP once step 2
	// completes the websocket upgrade. It is responsible for handing
	// Accepted.Stream off to the Framed Message Server, typically by
	// spawning a goroutine running server.ServeSession.
	OnAccepted func(r *http.Request, accepted *Accepted)
}

// NewServer constructs a handshake Server. peers may be nil if this node
// tracks no known peers (every caller is then treated as a client).
func NewServer(authMgr *auth.Manager, peers *peeradv.Collection, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		auth:      authMgr,
		peers:     peers,
		nodeID:    opts.NodeID,
		limits:    opts.Limits,
		verifyIP:  opts.VerifyIP,
		keepalive: opts.KeepaliveInterval,
		log:       log,
		// Peer-to-peer connections are node-to-node, not browser-origin
		// traffic, so the default same-origin check is not meaningful
		// here; authentication happens via the JWT/signature exchange
		// above, not same-origin policy.
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		onAccepted: opts.OnAccepted,
	}
}

// ServeHTTP dispatches to step 1 or step 2 based on the presence of the
// upgrade signature header. Register this as the handler for connect_path
// (§6).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(UpgradeSigHeader) != "" {
		accepted, err := s.serveUpgradeStep(w, r)
		if err == nil && s.onAccepted != nil {
			s.onAccepted(r, accepted)
		}
		return
	}
	s.serveChallengeStep(w, r)
}

// serveChallengeStep is handshake step 1-2: verify the client's challenge
// JWT, return a server-signed negotiation response.
func (s *Server) serveChallengeStep(w http.ResponseWriter, r *http.Request) {
	clientToken, err := bearerToken(r.Header.Get(AuthorizationHeader))
	if err != nil {
		s.deny(w, "missing or malformed Authorization header", err)
		return
	}

	isPeer := s.isKnownPeer(clientToken)
	claims, err := s.auth.VerifyJWT(clientToken, isPeer)
	if err != nil {
		s.deny(w, "client JWT failed verification", err)
		return
	}
	challenge, _ := claims[claimChallenge].(string)
	if challenge == "" {
		s.deny(w, "client JWT missing chl", nil)
		return
	}

	respToken, err := s.auth.SignJWT(jwt.MapClaims{
		claimChallenge:     challenge,
		claimRecvBufSize:   s.limits.RecvBufSize,
		claimHeaderBufSize: s.limits.HeaderBufSize,
		claimMaxMsgSize:    s.limits.MaxMessageSize,
		claimIssuer:        s.nodeID,
		claimIsPeer:        isPeer,
		claimRemoteIP:      remoteIP(r),
	})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(respToken))
}

// serveUpgradeStep is handshake step 3-4: verify the upgrade signature
// over the server's own negotiation response, then switch protocols.
func (s *Server) serveUpgradeStep(w http.ResponseWriter, r *http.Request) (*Accepted, error) {
	serverToken, err := bearerToken(r.Header.Get(AuthorizationHeader))
	if err != nil {
		s.deny(w, "missing or malformed Authorization header", err)
		return nil, err
	}
	claims, err := s.auth.VerifyOwnJWT(serverToken)
	if err != nil {
		s.deny(w, "upgrade token is not a valid server-issued JWT", err)
		return nil, err
	}
	isPeer, _ := claims[claimIsPeer].(bool)

	if s.verifyIP {
		issuedIP, _ := claims[claimRemoteIP].(string)
		if issuedIP == "" || issuedIP != remoteIP(r) {
			err := Error.New("remote address changed since negotiation")
			s.deny(w, "verify_ip: remote address mismatch", err)
			return nil, err
		}
	}

	sigB64 := r.Header.Get(UpgradeSigHeader)
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		s.deny(w, "malformed upgrade signature", err)
		return nil, err
	}
	hash := auth.SHA256([]byte(serverToken))
	ok, err := s.auth.VerifyMessageHash(hash, sig, isPeer)
	if err != nil || !ok {
		s.deny(w, "upgrade signature mismatch", err)
		return nil, Error.New("upgrade signature mismatch")
	}

	var advertised *peeradv.Advertisement
	if disc := r.Header.Get(NodeDiscoveryHeader); disc != "" {
		adv, err := peeradv.Verify(s.auth, disc, true)
		if err != nil {
			s.log.Warn("discarding unverifiable node discovery header", zap.Error(err))
		} else {
			advertised = &adv
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if s.keepalive > 0 {
		go pingLoop(conn, s.keepalive)
	}

	return &Accepted{
		Stream:         wire.NewStream(conn, s.limits),
		IsPeer:         isPeer,
		PeerAdvertised: advertised,
	}, nil
}

// ServeUpgrade is the exported entry point a router should call for the
// websocket-upgrade follow-up (step 2), distinct from ServeHTTP so the
// caller receives the negotiated Accepted result directly instead of it
// being swallowed behind the plain http.Handler interface.
func (s *Server) ServeUpgrade(w http.ResponseWriter, r *http.Request) (*Accepted, error) {
	return s.serveUpgradeStep(w, r)
}

func (s *Server) isKnownPeer(clientToken string) bool {
	if s.peers == nil {
		return false
	}
	unverified := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(clientToken, unverified); err != nil {
		return false
	}
	sub, _ := unverified[claimSubject].(string)
	if sub == "" {
		return false
	}
	_, ok := s.peers.Get(sub)
	return ok
}

func (s *Server) deny(w http.ResponseWriter, reason string, err error) {
	s.log.Warn("handshake denied", zap.String("reason", reason), zap.Error(err))
	http.Error(w, "forbidden", http.StatusForbidden)
}

// remoteIP returns r's remote address with any port stripped, falling back
// to the raw RemoteAddr if it is not in host:port form.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// pingLoop sends a zero-length websocket ping control frame to conn every
// interval until a write fails, at which point the connection is assumed
// closed and the loop exits. This is the keepalive_interval_sec mechanism
// (§6): a duplex stream otherwise idle between client requests would
// leave a dead peer connection undetected by either side.
func pingLoop(conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteTimeout)); err != nil {
			return
		}
	}
}

func bearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", Error.New("missing bearer prefix")
	}
	token := strings.TrimPrefix(header, prefix)
	if token == "" {
		return "", Error.New("empty token")
	}
	return token, nil
}
