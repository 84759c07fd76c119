package identity

import (
	"crypto/tls"
	"testing"

	"blobshare/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretKeyStringRoundTrip(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	parsed, err := ParseSecretKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key.Public(), parsed.Public())

	_, err = ParseSecretKey("abcd")
	assert.ErrorIs(t, err, ErrInvalidSecret)
	_, err = ParseSecretKey("not hex at all")
	assert.ErrorIs(t, err, ErrInvalidSecret)
}

func TestLoadOrGenerate(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	t.Setenv(SecretEnv, key.String())
	loaded, generated, err := LoadOrGenerate()
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, key.Public(), loaded.Public())

	t.Setenv(SecretEnv, "")
	fresh, generated, err := LoadOrGenerate()
	require.NoError(t, err)
	assert.True(t, generated)
	assert.NotEqual(t, key.Public(), fresh.Public())

	t.Setenv(SecretEnv, "zz")
	_, _, err = LoadOrGenerate()
	assert.ErrorIs(t, err, ErrInvalidSecret)
}

func TestSignVerify(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)
	msg := []byte("announce")

	sig := key.Sign(msg)
	assert.True(t, Verify(key.Public(), msg, sig))
	assert.False(t, Verify(key.Public(), []byte("other"), sig))

	other, err := Generate()
	require.NoError(t, err)
	assert.False(t, Verify(other.Public(), msg, sig))
	assert.False(t, Verify(key.Public(), msg, sig[:10]))
}

func handshake(t *testing.T, server *SecretKey, client *SecretKey, expected types.NodeID) (error, error) {
	t.Helper()
	serverCfg, err := server.ServerTLSConfig()
	require.NoError(t, err)
	clientCfg, err := client.ClientTLSConfig(expected)
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer ln.Close()

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()
		srv := conn.(*tls.Conn)
		err = srv.Handshake()
		if err == nil {
			state := srv.ConnectionState()
			if len(state.PeerCertificates) == 0 {
				err = ErrPeerMismatch
			} else if peer, perr := NodeIDFromCert([][]byte{state.PeerCertificates[0].Raw}); perr != nil || peer != client.Public() {
				err = ErrPeerMismatch
			}
		}
		serverErr <- err
	}()

	cli, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		<-serverErr
		return err, nil
	}
	defer cli.Close()
	return nil, <-serverErr
}

func TestTLSPinsServerIdentity(t *testing.T) {
	server, err := Generate()
	require.NoError(t, err)
	client, err := Generate()
	require.NoError(t, err)

	clientErr, serverErr := handshake(t, server, client, server.Public())
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)

	impostor, err := Generate()
	require.NoError(t, err)
	clientErr, _ = handshake(t, impostor, client, server.Public())
	assert.ErrorIs(t, clientErr, ErrPeerMismatch)
}

func TestNodeIDFromOwnCertificate(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)
	cert, err := key.Certificate()
	require.NoError(t, err)

	id, err := NodeIDFromCert(cert.Certificate)
	require.NoError(t, err)
	assert.Equal(t, key.Public(), id)

	tampered := append([]byte(nil), cert.Certificate[0]...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = NodeIDFromCert([][]byte{tampered})
	assert.Error(t, err)

	_, err = NodeIDFromCert(nil)
	assert.Error(t, err)
}
