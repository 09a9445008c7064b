package handshake_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"vncache.io/vncache/pkg/auth"
	"vncache.io/vncache/pkg/handshake"
	"vncache.io/vncache/pkg/peeradv"
	"vncache.io/vncache/pkg/server"
	"vncache.io/vncache/pkg/wire"
)

func keyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return priv
}

type echoHandler struct{}

func (echoHandler) Handle(_ context.Context, req wire.Message) wire.Message {
	return wire.Message{Status: wire.StatusOkay, ObjectID: req.ObjectID}
}

func TestDial_FullHandshakeAndFramedRoundTrip(t *testing.T) {
	serverKey := keyPair(t)
	clientKey := keyPair(t)

	serverAuth, err := auth.New("server-1", serverKey, &clientKey.PublicKey, nil)
	require.NoError(t, err)
	// clientAuth verifies the server's own JWT using the server's public key.
	clientAuth, err := auth.New("client-1", clientKey, &serverKey.PublicKey, nil)
	require.NoError(t, err)

	srv := server.New(echoHandler{}, server.Options{})
	limits := wire.Limits{RecvBufSize: 4096, HeaderBufSize: 1024, MaxMessageSize: 65536}

	hs := handshake.NewServer(serverAuth, nil, handshake.Options{
		NodeID: "server-1",
		Limits: limits,
		OnAccepted: func(r *http.Request, accepted *handshake.Accepted) {
			go func() { _ = srv.ServeSession(context.Background(), accepted.Stream) }()
		},
	})

	router := mux.NewRouter()
	router.Handle("/connect", hs)
	ts := httptest.NewServer(router)
	defer ts.Close()

	connectURL := ts.URL + "/connect"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := handshake.Dial(ctx, connectURL, clientAuth, handshake.ClientOptions{Limits: limits})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	require.NoError(t, stream.Send(ctx, wire.Message{CorrelationID: 7, Action: wire.ActionGet, ObjectID: "hello1234"}))
	resp, err := stream.Recv(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 7, resp.CorrelationID)
	require.Equal(t, wire.StatusOkay, resp.Status)
}

func TestHandshake_RejectsForgedClientSignature(t *testing.T) {
	serverKey := keyPair(t)
	clientKey := keyPair(t)
	impostorKey := keyPair(t)

	serverAuth, err := auth.New("server-1", serverKey, &clientKey.PublicKey, nil)
	require.NoError(t, err)
	impostorAuth, err := auth.New("impostor", impostorKey, nil, nil)
	require.NoError(t, err)

	hs := handshake.NewServer(serverAuth, nil, handshake.Options{NodeID: "server-1"})
	router := mux.NewRouter()
	router.Handle("/connect", hs)
	ts := httptest.NewServer(router)
	defer ts.Close()

	ctx := context.Background()
	_, err = handshake.Dial(ctx, ts.URL+"/connect", impostorAuth, handshake.ClientOptions{})
	require.Error(t, err)
}

func TestHandshake_VerifyIPRejectsAddressChange(t *testing.T) {
	serverKey := keyPair(t)
	clientKey := keyPair(t)

	serverAuth, err := auth.New("server-1", serverKey, &clientKey.PublicKey, nil)
	require.NoError(t, err)
	clientAuth, err := auth.New("client-1", clientKey, &serverKey.PublicKey, nil)
	require.NoError(t, err)

	hs := handshake.NewServer(serverAuth, nil, handshake.Options{NodeID: "server-1", VerifyIP: true})

	challenge, err := handshake.NewChallenge()
	require.NoError(t, err)
	clientToken, err := clientAuth.SignJWT(jwt.MapClaims{"chl": challenge})
	require.NoError(t, err)

	req1 := httptest.NewRequest(http.MethodGet, "/connect", nil)
	req1.RemoteAddr = "203.0.113.5:11111"
	req1.Header.Set("Authorization", "Bearer "+clientToken)
	rec1 := httptest.NewRecorder()
	hs.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)
	serverToken := rec1.Body.String()

	hash := auth.SHA256([]byte(serverToken))
	sig, err := clientAuth.SignMessageHash(hash)
	require.NoError(t, err)

	req2 := httptest.NewRequest(http.MethodGet, "/connect", nil)
	req2.RemoteAddr = "198.51.100.9:22222"
	req2.Header.Set("Authorization", "Bearer "+serverToken)
	req2.Header.Set("X-Cache-Upgrade-Sig", base64.StdEncoding.EncodeToString(sig))
	rec2 := httptest.NewRecorder()
	hs.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusForbidden, rec2.Code)
}

func TestHandshake_VerifyIPAllowsSameAddress(t *testing.T) {
	serverKey := keyPair(t)
	clientKey := keyPair(t)

	serverAuth, err := auth.New("server-1", serverKey, &clientKey.PublicKey, nil)
	require.NoError(t, err)
	clientAuth, err := auth.New("client-1", clientKey, &serverKey.PublicKey, nil)
	require.NoError(t, err)

	hs := handshake.NewServer(serverAuth, nil, handshake.Options{NodeID: "server-1", VerifyIP: true})

	challenge, err := handshake.NewChallenge()
	require.NoError(t, err)
	clientToken, err := clientAuth.SignJWT(jwt.MapClaims{"chl": challenge})
	require.NoError(t, err)

	const sameAddr = "203.0.113.5:11111"

	req1 := httptest.NewRequest(http.MethodGet, "/connect", nil)
	req1.RemoteAddr = sameAddr
	req1.Header.Set("Authorization", "Bearer "+clientToken)
	rec1 := httptest.NewRecorder()
	hs.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)
	serverToken := rec1.Body.String()

	hash := auth.SHA256([]byte(serverToken))
	sig, err := clientAuth.SignMessageHash(hash)
	require.NoError(t, err)

	req2 := httptest.NewRequest(http.MethodGet, "/connect", nil)
	req2.RemoteAddr = sameAddr
	req2.Header.Set("Authorization", "Bearer "+serverToken)
	req2.Header.Set("X-Cache-Upgrade-Sig", base64.StdEncoding.EncodeToString(sig))
	rec2 := httptest.NewRecorder()
	hs.ServeHTTP(rec2, req2)
	// The recorder has no Hijacker, so the websocket upgrade itself fails,
	// but that failure must come from the upgrader, not the IP check: a
	// 403 here would mean verify_ip rejected a same-address follow-up.
	require.NotEqual(t, http.StatusForbidden, rec2.Code)
}

func TestCollection_UsedForPeerSelection(t *testing.T) {
	// Sanity check of the case-insensitive peeradv.Collection lookup that
	// the handshake server's known-peer check relies on.
	c := peeradv.NewCollection()
	c.Replace([]peeradv.Advertisement{{NodeID: "peer-1"}})
	_, ok := c.Get("PEER-1")
	require.True(t, ok)
}
