package proxy

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/httpscope/httpscope/internal/config"
	"github.com/httpscope/httpscope/pkg/cert"
	"github.com/httpscope/httpscope/pkg/dns"
	"github.com/httpscope/httpscope/pkg/logger"
	"github.com/httpscope/httpscope/pkg/policy"
)

type testProxy struct {
	server  *Server
	domains *logger.DomainLogger
	ca      *cert.CA
	logDir  string
	stop    func()
}

// startTestProxy brings up a full proxy on a loopback port. mutate may
// adjust the configuration before wiring.
func startTestProxy(t *testing.T, mutate func(*config.Config)) *testProxy {
	t.Helper()

	logDir := t.TempDir()
	caDir := t.TempDir()
	cfg := &config.Config{
		Proxy: config.ProxyConfig{
			Host:                 "127.0.0.1",
			Port:                 0,
			ShutdownGraceSeconds: 1,
		},
		Target: config.TargetConfig{},
		Certificates: config.CertificatesConfig{
			CACert: filepath.Join(caDir, "ca.crt"),
			CAKey:  filepath.Join(caDir, "ca.key"),
		},
		Logging: config.LoggingConfig{
			Level:  "error",
			Output: "stdout",
			LogDir: logDir,
			DomainLogs: config.DomainLogsConfig{
				Enabled:           true,
				Format:            "{date}_{domain}.log",
				RequestBodyLimit:  -1,
				ResponseBodyLimit: -1,
			},
		},
		Upstream: config.UpstreamConfig{
			HeaderTimeoutSeconds: 5,
			TotalTimeoutSeconds:  10,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	ca, err := cert.NewCA(cfg.Certificates.CACert, cfg.Certificates.CAKey)
	require.NoError(t, err)

	log := logger.NewNop()
	domains := logger.NewDomain(cfg.Logging, log)
	server := NewServer(cfg, cert.NewIssuer(ca), policy.New(cfg.Target.Domains, cfg.Target.Ports),
		dns.NewResolver(cfg.Upstream.DNSServer), log, domains)
	require.NoError(t, server.Start())

	var once sync.Once
	tp := &testProxy{
		server:  server,
		domains: domains,
		ca:      ca,
		logDir:  logDir,
	}
	tp.stop = func() {
		once.Do(func() {
			server.Shutdown()
			domains.Close()
		})
	}
	t.Cleanup(tp.stop)
	return tp
}

// domainLog stops the proxy, flushes the domain logs, and returns the log
// file contents for domain.
func (tp *testProxy) domainLog(t *testing.T, domain string) string {
	t.Helper()
	tp.stop()
	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(tp.logDir, fmt.Sprintf("%s_%s.log", date, domain)))
	require.NoError(t, err)
	return string(data)
}

// startOrigin runs a plain-HTTP origin that answers every request with the
// given status and body.
func startOrigin(t *testing.T, status int, headers map[string]string, body string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				br := bufio.NewReader(conn)
				for {
					req, err := http.ReadRequest(br)
					if err != nil {
						return
					}
					io.Copy(io.Discard, req.Body)
					req.Body.Close()

					fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\n",
						status, http.StatusText(status), len(body))
					for k, v := range headers {
						fmt.Fprintf(conn, "%s: %s\r\n", k, v)
					}
					fmt.Fprintf(conn, "\r\n%s", body)
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// readHeaderLines reads a response header section, including the blank line.
func readHeaderLines(t *testing.T, br *bufio.Reader) string {
	t.Helper()
	var sb strings.Builder
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		sb.WriteString(line)
		if line == "\r\n" {
			return sb.String()
		}
	}
}

func TestPlainHTTPForward(t *testing.T) {
	origin := startOrigin(t, http.StatusOK, map[string]string{"Content-Type": "application/json"}, `{"ok":true}`)
	tp := startTestProxy(t, nil)

	conn, err := net.Dial("tcp", tp.server.Addr())
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET http://%s/get HTTP/1.1\r\nHost: %s\r\n\r\n", origin, origin)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(body))
	conn.Close()

	host, _, _ := net.SplitHostPort(origin)
	got := tp.domainLog(t, host)
	assert.Contains(t, got, fmt.Sprintf("GET http://%s/get", origin))
	assert.Contains(t, got, "< HTTP/1.1 200 OK")
}

func TestBlindConnectPassthrough(t *testing.T) {
	// Echo origin: whatever arrives is written straight back.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(c)
		}
	}()
	origin := ln.Addr().String()

	tp := startTestProxy(t, func(cfg *config.Config) {
		cfg.Target.Domains = []string{"example.com"}
		cfg.Target.Ports = config.PortList{443}
	})

	conn, err := net.Dial("tcp", tp.server.Addr())
	require.NoError(t, err)
	defer conn.Close()

	br := bufio.NewReader(conn)
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", origin, origin)
	header := readHeaderLines(t, br)
	assert.Contains(t, header, "200 Connection Established")

	payload := []byte("\x16\x03\x01opaque-bytes")
	_, err = conn.Write(payload)
	require.NoError(t, err)
	echoed := make([]byte, len(payload))
	_, err = io.ReadFull(br, echoed)
	require.NoError(t, err)
	assert.Equal(t, payload, echoed)
	conn.Close()

	host, _, _ := net.SplitHostPort(origin)
	got := tp.domainLog(t, host)
	assert.Contains(t, got, "TUNNEL")
	assert.NotContains(t, got, "opaque-bytes")
}

// startTLSOrigin runs a TLS origin whose certificate chains to a private CA
// the proxy is told to trust for upstream verification.
func startTLSOrigin(t *testing.T, body string) (addr string, roots *x509.CertPool) {
	t.Helper()
	caDir := t.TempDir()
	originCA, err := cert.NewCA(filepath.Join(caDir, "ca.crt"), filepath.Join(caDir, "ca.key"))
	require.NoError(t, err)
	originCert, err := cert.NewIssuer(originCA).GetOrMint("127.0.0.1")
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{*originCert},
	})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				br := bufio.NewReader(c)
				for {
					req, err := http.ReadRequest(br)
					if err != nil {
						return
					}
					io.Copy(io.Discard, req.Body)
					req.Body.Close()
					fmt.Fprintf(c, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
				}
			}(c)
		}
	}()

	pool := x509.NewCertPool()
	pool.AddCert(originCA.Certificate())
	return ln.Addr().String(), pool
}

func TestMITMConnect(t *testing.T) {
	origin, originRoots := startTLSOrigin(t, "pong")

	tp := startTestProxy(t, func(cfg *config.Config) {
		cfg.Target.Domains = []string{"127.0.0.1"}
		cfg.Target.Ports = config.PortList{config.WildcardPort}
	})
	tp.server.upstreamTLS = &tls.Config{RootCAs: originRoots}

	conn, err := net.Dial("tcp", tp.server.Addr())
	require.NoError(t, err)
	defer conn.Close()

	br := bufio.NewReader(conn)
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", origin, origin)
	header := readHeaderLines(t, br)
	require.Contains(t, header, "200 Connection Established")

	proxyRoots := x509.NewCertPool()
	proxyRoots.AddCert(tp.ca.Certificate())
	tlsConn := tls.Client(conn, &tls.Config{
		RootCAs:    proxyRoots,
		ServerName: "127.0.0.1",
	})
	require.NoError(t, tlsConn.Handshake())

	// The presented identity is a leaf for the target, chained to the
	// proxy's CA.
	state := tlsConn.ConnectionState()
	require.NotEmpty(t, state.PeerCertificates)
	leaf := state.PeerCertificates[0]
	assert.Equal(t, "127.0.0.1", leaf.Subject.CommonName)
	assert.Equal(t, tp.ca.Certificate().Subject.String(), leaf.Issuer.String())
	assert.Len(t, state.PeerCertificates, 2)

	tbr := bufio.NewReader(tlsConn)
	for i := 0; i < 2; i++ {
		fmt.Fprintf(tlsConn, "GET /v1/ping HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n")
		resp, err := http.ReadResponse(tbr, nil)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "pong", string(body))
	}
	tlsConn.Close()

	got := tp.domainLog(t, "127.0.0.1")
	assert.Contains(t, got, "GET https://127.0.0.1/v1/ping")
	assert.Contains(t, got, "< HTTP/1.1 200 OK")
	// Keep-alive reuses the tunnel: both exchanges are recorded.
	assert.Equal(t, 2, strings.Count(got, "GET https://127.0.0.1/v1/ping"))
}

func TestResponseBodyTruncation(t *testing.T) {
	full := strings.Repeat("a", 100)
	origin := startOrigin(t, http.StatusOK, nil, full)

	tp := startTestProxy(t, func(cfg *config.Config) {
		cfg.Logging.DomainLogs.ResponseBodyLimit = 10
	})

	conn, err := net.Dial("tcp", tp.server.Addr())
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET http://%s/big HTTP/1.1\r\nHost: %s\r\n\r\n", origin, origin)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	// The client always receives the complete body.
	assert.Equal(t, full, string(body))
	conn.Close()

	host, _, _ := net.SplitHostPort(origin)
	got := tp.domainLog(t, host)
	assert.Contains(t, got, `"aaaaaaaaaa"... (truncated)`)
	assert.Contains(t, got, "(100 bytes)")
	assert.NotContains(t, got, strings.Repeat("a", 11))
}

func TestUpstreamConnectFailure(t *testing.T) {
	// Grab a port that is certain to be closed.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()

	tp := startTestProxy(t, nil)

	conn, err := net.Dial("tcp", tp.server.Addr())
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET http://%s/ HTTP/1.1\r\nHost: %s\r\n\r\n", dead, dead)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	conn.Close()

	host, _, _ := net.SplitHostPort(dead)
	got := tp.domainLog(t, host)
	assert.Contains(t, got, "502 Bad Gateway")
	assert.Contains(t, got, "error: upstream_connect")
}

func TestMalformedRequestRejected(t *testing.T) {
	tp := startTestProxy(t, nil)

	conn, err := net.Dial("tcp", tp.server.Addr())
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "COMPLETE NONSENSE\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOversizedRequestLineRejected(t *testing.T) {
	tp := startTestProxy(t, nil)

	conn, err := net.Dial("tcp", tp.server.Addr())
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET /%s HTTP/1.1\r\n\r\n", strings.Repeat("x", maxRequestLineBytes))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRequestBodyForwardedAndCaptured(t *testing.T) {
	origin := startOrigin(t, http.StatusOK, nil, "done")

	tp := startTestProxy(t, func(cfg *config.Config) {
		cfg.Logging.DomainLogs.RequestBodyLimit = 4
	})

	conn, err := net.Dial("tcp", tp.server.Addr())
	require.NoError(t, err)
	defer conn.Close()

	payload := "field=value"
	fmt.Fprintf(conn, "POST http://%s/submit HTTP/1.1\r\nHost: %s\r\nContent-Length: %d\r\n\r\n%s",
		origin, origin, len(payload), payload)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	conn.Close()

	host, _, _ := net.SplitHostPort(origin)
	got := tp.domainLog(t, host)
	assert.Contains(t, got, `"fiel"... (truncated)`)
	assert.Contains(t, got, fmt.Sprintf("(%d bytes)", len(payload)))
}

func TestAddrReportsBoundAddress(t *testing.T) {
	tp := startTestProxy(t, nil)
	host, port, err := net.SplitHostPort(tp.server.Addr())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.NotEqual(t, "0", port)
}
