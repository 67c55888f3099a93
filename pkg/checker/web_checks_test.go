package checker

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpostd/outpost/pkg/check"
	"github.com/outpostd/outpost/pkg/config"
	"github.com/outpostd/outpost/pkg/types"
)

func serviceCheck(sender *recordingSender, window check.Window) (check.Check, *check.Accumulator) {
	acc := check.NewAccumulator()
	ref := types.ObjectRef{Kind: types.KindService, Name: "web"}
	return check.New(ref, acc, sender, window), acc
}

func TestLastHTTPCode_TakesLastOfRedirectChain(t *testing.T) {
	out := "* Connected to x\n" +
		"< HTTP/1.1 302 Found\r\n" +
		"< Location: /y\n" +
		"< HTTP/2 200\r\n" +
		"< content-type: text/html\n"

	assert.Equal(t, 200, lastHTTPCode(out))
}

func TestLastHTTPCode_NoStatusLine(t *testing.T) {
	assert.Equal(t, 0, lastHTTPCode("curl: (7) Failed to connect"))
}

func TestEndpointDirect_ExpectedCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sender := &recordingSender{}
	base, acc := serviceCheck(sender, &staticWindow{})
	c := newEndpointCheck(base, config.Endpoint{URL: srv.URL, Type: "direct"})

	result := c.run(context.Background(), nil)
	require.NotNil(t, result)
	assert.True(t, *result)
	assert.Equal(t, check.Positive, c.LastStatus())
	assert.True(t, acc.IsOK())
}

func TestEndpointDirect_UnexpectedCodeFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sender := &recordingSender{}
	base, acc := serviceCheck(sender, &staticWindow{})
	c := newEndpointCheck(base, config.Endpoint{URL: srv.URL, Type: "direct"})

	result := c.run(context.Background(), nil)
	require.NotNil(t, result)
	assert.False(t, *result)
	assert.Equal(t, check.Negative, c.LastStatus())
	assert.False(t, acc.IsOK())
}

func TestEndpointDirect_CustomExpectedCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	sender := &recordingSender{}
	base, _ := serviceCheck(sender, &staticWindow{})
	c := newEndpointCheck(base, config.Endpoint{URL: srv.URL, Type: "direct", ExpCode: []int{418}})

	result := c.run(context.Background(), nil)
	require.NotNil(t, result)
	assert.True(t, *result)
}

func TestEndpointDirect_BasicAuthAndMethod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "monitor" || pass != "secret" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sender := &recordingSender{}
	base, acc := serviceCheck(sender, &staticWindow{})
	c := newEndpointCheck(base, config.Endpoint{
		URL:    srv.URL,
		Type:   "direct",
		Method: http.MethodPost,
		Data:   `{"ping": true}`,
		Auth:   &config.EndpointAuth{Basic: &config.BasicAuth{Username: "monitor", Password: "secret"}},
	})

	result := c.run(context.Background(), nil)
	require.NotNil(t, result)
	assert.True(t, *result)
	assert.True(t, acc.IsOK())
}

func TestEndpointDirect_UnreachableFails(t *testing.T) {
	sender := &recordingSender{}
	base, acc := serviceCheck(sender, &staticWindow{})
	c := newEndpointCheck(base, config.Endpoint{URL: "http://127.0.0.1:1/health", Type: "direct"})

	result := c.run(context.Background(), nil)
	require.NotNil(t, result)
	assert.False(t, *result)
	assert.False(t, acc.IsOK())
}

// expiringTLSServer serves TLS with a certificate valid for the given
// duration.
func expiringTLSServer(t *testing.T, validFor time.Duration) string {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validFor),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				// complete the handshake, then close
				if tc, ok := conn.(*tls.Conn); ok {
					_ = tc.Handshake()
				}
				conn.Close()
			}(conn)
		}
	}()

	return ln.Addr().String()
}

func sslCheckFor(t *testing.T, addr string, warnDays int, sender *recordingSender) (*sslExpiryCheck, *check.Accumulator) {
	t.Helper()
	base, acc := serviceCheck(sender, &staticWindow{})
	c := newSSLExpiryCheck(base, "https://"+addr+"/health", warnDays)
	return c, acc
}

func TestSSLExpiry_CertExpiringSoon(t *testing.T) {
	addr := expiringTLSServer(t, 10*24*time.Hour)

	sender := &recordingSender{}
	c, acc := sslCheckFor(t, addr, 30, sender)

	result := c.run(context.Background())
	require.NotNil(t, result)
	assert.False(t, *result)
	assert.Equal(t, check.Negative, c.LastStatus())
	assert.False(t, acc.IsOK())
	require.Len(t, sender.messages, 1)
	assert.Equal(t, types.SeverityAlarm, sender.severities[0])

	// within the repeat interval: no duplicate alarm
	acc.Reset()
	c.run(context.Background())
	assert.Len(t, sender.messages, 1)
	assert.False(t, acc.IsOK())
}

func TestSSLExpiry_CertValidLongEnough(t *testing.T) {
	addr := expiringTLSServer(t, 90*24*time.Hour)

	sender := &recordingSender{}
	c, acc := sslCheckFor(t, addr, 30, sender)

	result := c.run(context.Background())
	require.NotNil(t, result)
	assert.True(t, *result)
	assert.True(t, acc.IsOK())
	assert.Empty(t, sender.messages)
}

func TestSSLExpiry_NonHTTPSAlwaysPasses(t *testing.T) {
	sender := &recordingSender{}
	base, acc := serviceCheck(sender, &staticWindow{})
	c := newSSLExpiryCheck(base, "http://web.example.com/health", 30)

	result := c.run(context.Background())
	require.NotNil(t, result)
	assert.True(t, *result)
	assert.True(t, acc.IsOK())
}

func TestSSLExpiry_UnreachableHostIsExecFailure(t *testing.T) {
	sender := &recordingSender{}
	base, acc := serviceCheck(sender, &staticWindow{})
	c := newSSLExpiryCheck(base, "https://127.0.0.1:1/health", 30)

	result := c.run(context.Background())
	assert.Nil(t, result)
	assert.Equal(t, check.ExecFailure, c.LastStatus())
	assert.False(t, acc.IsOK())
	assert.Empty(t, sender.messages)
}

func TestZabbixPortCheck(t *testing.T) {
	one := 1.0
	zero := 0.0

	t.Run("open", func(t *testing.T) {
		sender := &recordingSender{}
		base, acc := serviceCheck(sender, &staticWindow{})
		c := &zabbixPortCheck{Check: base, port: ",8080"}

		result := c.run(map[string]*float64{"net.tcp.port[,8080]": &one})
		require.NotNil(t, result)
		assert.True(t, *result)
		assert.True(t, acc.IsOK())
	})

	t.Run("closed", func(t *testing.T) {
		sender := &recordingSender{}
		base, acc := serviceCheck(sender, &staticWindow{})
		c := &zabbixPortCheck{Check: base, port: ",8080"}

		result := c.run(map[string]*float64{"net.tcp.port[,8080]": &zero})
		require.NotNil(t, result)
		assert.False(t, *result)
		assert.False(t, acc.IsOK())
		require.Len(t, sender.messages, 1)
		assert.Contains(t, sender.messages[0], "port 8080 is not open")
	})

	t.Run("unsupported", func(t *testing.T) {
		sender := &recordingSender{}
		base, acc := serviceCheck(sender, &staticWindow{})
		c := &zabbixPortCheck{Check: base, port: ",8080"}

		result := c.run(map[string]*float64{"net.tcp.port[,8080]": nil})
		assert.Nil(t, result)
		assert.Equal(t, check.ExecFailure, c.LastStatus())
		assert.False(t, acc.IsOK())
		assert.Empty(t, sender.messages)
	})
}

func TestZabbixDiskCheck_PositiveDoesNotFailAccumulator(t *testing.T) {
	sender := &recordingSender{}
	base, acc := serviceCheck(sender, &staticWindow{})
	c := &zabbixDiskCheck{Check: base, mountPoint: "/", threshold: 80}

	result := c.run(42.0)
	require.NotNil(t, result)
	assert.True(t, *result)
	assert.True(t, acc.IsOK(), "a healthy disk must not fail the accumulator")
}

func TestZabbixDiskCheck_OverThreshold(t *testing.T) {
	sender := &recordingSender{}
	base, acc := serviceCheck(sender, &staticWindow{})
	c := &zabbixDiskCheck{Check: base, mountPoint: "/", threshold: 80}

	result := c.run(93.7)
	require.NotNil(t, result)
	assert.False(t, *result)
	assert.False(t, acc.IsOK())
	require.Len(t, sender.messages, 1)
	assert.Contains(t, sender.messages[0], "disk / usage is too high (93.70%)")
}
