package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/httpscope/httpscope/internal/config"
	"github.com/httpscope/httpscope/pkg/cert"
	"github.com/httpscope/httpscope/pkg/dns"
	"github.com/httpscope/httpscope/pkg/logger"
	"github.com/httpscope/httpscope/pkg/policy"
)

// Server accepts proxy clients and runs one handler per connection. Each
// handler reads the first request and dispatches to plain forwarding, a
// blind tunnel, or TLS interception.
type Server struct {
	host  string
	port  int
	grace time.Duration

	headerTimeout time.Duration
	totalTimeout  time.Duration
	reqLimit      int64
	respLimit     int64

	issuer   *cert.Issuer
	rules    *policy.Rules
	resolver *dns.Resolver
	log      logger.Logger
	domains  *logger.DomainLogger

	// upstreamTLS overrides origin verification; nil means the system root
	// store. Tests point it at their own CA.
	upstreamTLS *tls.Config

	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// NewServer wires the proxy core from its collaborators.
func NewServer(cfg *config.Config, issuer *cert.Issuer, rules *policy.Rules, resolver *dns.Resolver, log logger.Logger, domains *logger.DomainLogger) *Server {
	return &Server{
		host:          cfg.Proxy.Host,
		port:          cfg.Proxy.Port,
		grace:         time.Duration(cfg.Proxy.ShutdownGraceSeconds) * time.Second,
		headerTimeout: time.Duration(cfg.Upstream.HeaderTimeoutSeconds) * time.Second,
		totalTimeout:  time.Duration(cfg.Upstream.TotalTimeoutSeconds) * time.Second,
		reqLimit:      cfg.Logging.DomainLogs.RequestBodyLimit,
		respLimit:     cfg.Logging.DomainLogs.ResponseBodyLimit,
		issuer:        issuer,
		rules:         rules,
		resolver:      resolver,
		log:           log,
		domains:       domains,
		stopCh:        make(chan struct{}),
		conns:         make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and begins accepting. A bind failure is returned
// to the caller so it can map it to the right exit code.
func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("failed to bind %s:%d: %w", s.host, s.port, err)
	}

	s.log.Info("proxy listening on %s", s.listener.Addr())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address, for the system-proxy configurator.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting, lets outstanding handlers finish within the
// grace period, then forces their sockets closed.
func (s *Server) Shutdown() {
	close(s.stopCh)
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.grace):
		s.connMu.Lock()
		n := len(s.conns)
		for c := range s.conns {
			c.Close()
		}
		s.connMu.Unlock()
		s.log.Warn("forced %d connections closed after %s grace period", n, s.grace)
		<-done
	}

	s.log.Info("proxy stopped, %d leaf certificates minted, %d log records dropped",
		s.issuer.Minted(), s.domains.Dropped())
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.log.Error("accept error: %v", err)
				continue
			}
		}

		s.track(conn)
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) track(conn net.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) release(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
	conn.Close()
}

// handleConnection reads the first request and dispatches it.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.release(conn)

	br := bufio.NewReader(conn)
	req, err := readRequest(br)
	if err != nil {
		if err != io.EOF {
			s.log.Debug("rejecting malformed request from %s: %v", conn.RemoteAddr(), err)
			_ = writeStatus(conn, http.StatusBadRequest)
		}
		return
	}
	defer req.Body.Close()

	if req.Method == http.MethodConnect {
		s.handleConnect(&bufferedConn{Conn: conn, r: br}, req)
		return
	}
	s.handlePlainHTTP(conn, req)
}

// handlePlainHTTP forwards one absolute-form request over a fresh TCP
// connection to the origin.
func (s *Server) handlePlainHTTP(conn net.Conn, req *http.Request) {
	host := req.URL.Hostname()
	if host == "" {
		s.log.Debug("plain request from %s without absolute-form target", conn.RemoteAddr())
		_ = writeStatus(conn, http.StatusBadRequest)
		return
	}
	port := req.URL.Port()
	if port == "" {
		port = "80"
	}

	clientAddr := conn.RemoteAddr().String()
	s.log.Debug("forwarding %s %s for %s", req.Method, req.URL, clientAddr)

	upstream, err := s.dial(host, port)
	if err != nil {
		s.log.Warn("upstream connect to %s:%s failed: %v", host, port, err)
		rec := newExchangeRecord(req, "http", host, clientAddr)
		code, kind := classifyNetErr(err, errKindConnect)
		s.failExchange(conn, rec, code, kind)
		return
	}
	defer upstream.Close()

	_, _ = s.forwardExchange(conn, req, upstream, bufio.NewReader(upstream), "http", host, clientAddr)
}

// handleConnect answers the CONNECT and either tunnels the payload opaquely
// or terminates TLS with a minted leaf.
func (s *Server) handleConnect(conn net.Conn, req *http.Request) {
	host, portStr, err := net.SplitHostPort(req.Host)
	if err != nil {
		host = req.Host
		portStr = "443"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		_ = writeStatus(conn, http.StatusBadRequest)
		return
	}

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	if !s.rules.ShouldIntercept(host, port) {
		s.blindTunnel(conn, host, portStr)
		return
	}
	s.interceptTLS(conn, host, portStr)
}

// blindTunnel relays raw bytes between client and origin and records only
// the byte counts.
func (s *Server) blindTunnel(conn net.Conn, host, portStr string) {
	start := time.Now()
	clientAddr := conn.RemoteAddr().String()
	target := net.JoinHostPort(host, portStr)

	s.log.Debug("tunnelling %s for %s", target, clientAddr)

	origin, err := s.dial(host, portStr)
	if err != nil {
		s.log.Warn("tunnel connect to %s failed: %v", target, err)
		return
	}
	defer origin.Close()

	sent, received := tunnel(conn, origin)

	s.log.Debug("tunnel to %s closed, sent %d bytes, received %d bytes", target, sent, received)
	s.domains.LogTunnel(&logger.Tunnel{
		Timestamp:     start,
		ClientAddr:    clientAddr,
		Domain:        host,
		Target:        target,
		BytesSent:     sent,
		BytesReceived: received,
		Duration:      time.Since(start),
	})
}

// interceptTLS terminates the client's TLS session with a leaf minted for
// host, opens one TLS session to the real origin, and serves requests over
// the pair until either side ends.
func (s *Server) interceptTLS(conn net.Conn, host, portStr string) {
	clientAddr := conn.RemoteAddr().String()

	tlsConf := &tls.Config{
		GetCertificate: s.issuer.GetCertificate(host),
		NextProtos:     []string{"http/1.1"},
	}
	clientTLS := tls.Server(conn, tlsConf)
	defer clientTLS.Close()

	_ = conn.SetDeadline(time.Now().Add(s.headerTimeout))
	if err := clientTLS.Handshake(); err != nil {
		s.log.Warn("TLS handshake with %s for %s failed: %v", clientAddr, host, err)
		return
	}
	_ = conn.SetDeadline(time.Time{})

	s.log.Info("intercepting %s for %s", net.JoinHostPort(host, portStr), clientAddr)

	br := bufio.NewReader(clientTLS)

	upstream, err := s.dialTLS(host, portStr)
	if err != nil {
		s.log.Warn("upstream TLS connect to %s:%s failed: %v", host, portStr, err)
		// Read the first request so the failure is recorded against it.
		req, rerr := readRequest(br)
		if rerr != nil {
			return
		}
		rec := newExchangeRecord(req, "https", host, clientAddr)
		code, kind := classifyNetErr(err, errKindConnect)
		s.failExchange(clientTLS, rec, code, kind)
		return
	}
	defer upstream.Close()
	upR := bufio.NewReader(upstream)

	for {
		req, err := readRequest(br)
		if err != nil {
			if err != io.EOF {
				s.log.Debug("intercept loop for %s ended: %v", host, err)
			}
			return
		}
		keepAlive, err := s.forwardExchange(clientTLS, req, upstream, upR, "https", host, clientAddr)
		req.Body.Close()
		if err != nil || !keepAlive {
			return
		}
	}
}

// dial opens a TCP connection to the origin, resolving the hostname through
// the configured resolver.
func (s *Server) dial(host, port string) (net.Conn, error) {
	d := &net.Dialer{Timeout: s.headerTimeout}
	ctx, cancel := context.WithTimeout(context.Background(), s.headerTimeout)
	defer cancel()

	addrs, err := s.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	var firstErr error
	for _, addr := range addrs {
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr, port))
		if err == nil {
			return conn, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("no addresses for %s", host)
	}
	return nil, firstErr
}

// dialTLS opens and handshakes the origin-facing TLS session. SNI is always
// the origin hostname, and the certificate verifies against the system root
// store unless a test supplied its own.
func (s *Server) dialTLS(host, port string) (*tls.Conn, error) {
	raw, err := s.dial(host, port)
	if err != nil {
		return nil, err
	}

	var conf *tls.Config
	if s.upstreamTLS != nil {
		conf = s.upstreamTLS.Clone()
	} else {
		conf = &tls.Config{}
	}
	conf.ServerName = host

	tlsConn := tls.Client(raw, conf)
	_ = raw.SetDeadline(time.Now().Add(s.headerTimeout))
	if err := tlsConn.Handshake(); err != nil {
		raw.Close()
		return nil, err
	}
	_ = raw.SetDeadline(time.Time{})
	return tlsConn, nil
}
