package handshake

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"

	"vncache.io/vncache/pkg/auth"
	"vncache.io/vncache/pkg/wire"
)

// ClientOptions configures Dial.
type ClientOptions struct {
	// Limits are this client's minimum acceptable negotiated buffer
	// sizes (§4.7: "confirm the server's negotiated buffer sizes are not
	// smaller than the client's minimum requirements").
	Limits wire.Limits
	// SelfAdvertisement, if non-nil, is sent as X-Cache-Node-Discovery so
	// the server can learn of this node as a peer.
	SelfAdvertisement *string
	// Subject is the optional "sub" claim identifying this client as a
	// peer node by id.
	Subject string
}

// Dial performs the full two-step handshake against connectURL (an
// absolute http(s) URL for a node's connect_path) and returns a stream
// ready for framed messages.
func Dial(ctx context.Context, connectURL string, authMgr *auth.Manager, opts ClientOptions) (*wire.Stream, error) {
	challenge, err := NewChallenge()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	claims := jwt.MapClaims{claimChallenge: challenge}
	if opts.Subject != "" {
		claims[claimSubject] = opts.Subject
	}
	clientToken, err := authMgr.SignJWT(claims)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	serverToken, err := requestNegotiation(ctx, connectURL, clientToken)
	if err != nil {
		return nil, err
	}

	respClaims, err := authMgr.VerifyJWT(serverToken, false)
	if err != nil {
		return nil, Error.New("server negotiation JWT failed verification: %v", err)
	}
	echoed, _ := respClaims[claimChallenge].(string)
	if echoed != challenge {
		return nil, Error.New("server did not echo challenge: NegotiationFailed")
	}
	if err := checkNegotiatedLimits(respClaims, opts.Limits); err != nil {
		return nil, err
	}

	hash := auth.SHA256([]byte(serverToken))
	sig, err := authMgr.SignMessageHash(hash)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	header := http.Header{}
	header.Set(AuthorizationHeader, "Bearer "+serverToken)
	header.Set(UpgradeSigHeader, base64.StdEncoding.EncodeToString(sig))
	if opts.SelfAdvertisement != nil {
		header.Set(NodeDiscoveryHeader, *opts.SelfAdvertisement)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, toWebsocketURL(connectURL), header)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	return wire.NewStream(conn, opts.Limits), nil
}

func requestNegotiation(ctx context.Context, connectURL, clientToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, connectURL, nil)
	if err != nil {
		return "", Error.Wrap(err)
	}
	req.Header.Set(AuthorizationHeader, "Bearer "+clientToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Error.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", Error.New("negotiation step denied with status %d", resp.StatusCode)
	}
	return string(body), nil
}

func checkNegotiatedLimits(claims jwt.MapClaims, want wire.Limits) error {
	recv, _ := claims[claimRecvBufSize].(float64)
	header, _ := claims[claimHeaderBufSize].(float64)
	max, _ := claims[claimMaxMsgSize].(float64)

	if int(recv) < want.RecvBufSize || int(header) < want.HeaderBufSize || int(max) < want.MaxMessageSize {
		return Error.New("server negotiated buffer sizes below client minimums: NegotiationFailed")
	}
	return nil
}

func toWebsocketURL(httpURL string) string {
	switch {
	case len(httpURL) >= 5 && httpURL[:5] == "https":
		return "wss" + httpURL[5:]
	case len(httpURL) >= 4 && httpURL[:4] == "http":
		return "ws" + httpURL[4:]
	default:
		return httpURL
	}
}
