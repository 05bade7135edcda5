package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/httpscope/httpscope/pkg/logger"
)

// Synthetic status annotations for exchanges that failed before a real
// origin response arrived.
const (
	errKindConnect  = "upstream_connect"
	errKindTimeout  = "upstream_timeout"
	errKindNetwork  = "upstream_network"
	errKindProtocol = "upstream_protocol"
)

type readCloserPair struct {
	io.Reader
	io.Closer
}

// newExchangeRecord seeds the record for one request. Headers are captured
// before hop-by-hop stripping so the log shows what the client sent.
func newExchangeRecord(req *http.Request, scheme, domain, clientAddr string) *logger.Exchange {
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	return &logger.Exchange{
		Timestamp:      time.Now(),
		ClientAddr:     clientAddr,
		Domain:         domain,
		Method:         req.Method,
		URL:            fmt.Sprintf("%s://%s%s", scheme, host, req.URL.RequestURI()),
		Proto:          req.Proto,
		RequestHeaders: req.Header.Clone(),
	}
}

// failExchange answers the client with a synthetic status and records the
// exchange with its error kind. The request record is emitted even though
// the upstream never produced a response.
func (s *Server) failExchange(w io.Writer, rec *logger.Exchange, code int, kind string) {
	_ = writeStatus(w, code)
	rec.Status = fmt.Sprintf("HTTP/1.1 %d %s", code, http.StatusText(code))
	rec.StatusCode = code
	rec.ErrKind = kind
	rec.Duration = time.Since(rec.Timestamp)
	s.domains.LogExchange(rec)
}

// classifyNetErr maps an upstream failure to a client status and an error
// kind for the record.
func classifyNetErr(err error, kind string) (int, string) {
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return http.StatusGatewayTimeout, errKindTimeout
	}
	return http.StatusBadGateway, kind
}

// forwardExchange writes req to the upstream connection, streams the
// response back to the client, and emits one exchange record. It reports
// whether the connection can carry another request.
func (s *Server) forwardExchange(client io.Writer, req *http.Request, upstream net.Conn, upR *bufio.Reader, scheme, domain, clientAddr string) (keepAlive bool, err error) {
	rec := newExchangeRecord(req, scheme, domain, clientAddr)

	reqCap := newCapture(s.reqLimit)
	if req.Body != nil && req.Body != http.NoBody {
		req.Body = readCloserPair{io.TeeReader(req.Body, reqCap), req.Body}
	}

	removeHopHeaders(req.Header)

	_ = upstream.SetWriteDeadline(time.Now().Add(s.totalTimeout))
	if err := req.Write(upstream); err != nil {
		code, kind := classifyNetErr(err, errKindNetwork)
		s.finishRequestRecord(rec, reqCap)
		s.failExchange(client, rec, code, kind)
		return false, err
	}
	s.finishRequestRecord(rec, reqCap)

	_ = upstream.SetReadDeadline(time.Now().Add(s.headerTimeout))
	resp, err := http.ReadResponse(upR, req)
	if err != nil {
		code, kind := classifyNetErr(err, errKindProtocol)
		s.failExchange(client, rec, code, kind)
		return false, err
	}
	_ = upstream.SetReadDeadline(time.Now().Add(s.totalTimeout))

	rec.Status = fmt.Sprintf("%s %s", resp.Proto, resp.Status)
	rec.StatusCode = resp.StatusCode
	rec.ResponseHeaders = resp.Header.Clone()

	respCap := newCapture(s.respLimit)
	resp.Body = readCloserPair{io.TeeReader(resp.Body, respCap), resp.Body}

	removeHopHeaders(resp.Header)

	writeErr := resp.Write(client)
	resp.Body.Close()

	rec.ResponseBody = respCap.Bytes()
	rec.ResponseSize = respCap.Size()
	rec.ResponseCut = respCap.Truncated()
	rec.Duration = time.Since(rec.Timestamp)
	s.domains.LogExchange(rec)

	if writeErr != nil {
		// Writing to the client or reading the upstream body failed; end
		// the tunnel without a synthetic status.
		return false, writeErr
	}
	return !req.Close && !resp.Close, nil
}

func (s *Server) finishRequestRecord(rec *logger.Exchange, reqCap *captureBuffer) {
	rec.RequestBody = reqCap.Bytes()
	rec.RequestSize = reqCap.Size()
	rec.RequestCut = reqCap.Truncated()
}
