package logger

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/httpscope/httpscope/internal/config"
)

const queueDepth = 256

type logFile struct {
	mu sync.Mutex
	f  *os.File
}

// DomainLogger writes one log file per (date, domain). Records are handed
// off through a bounded queue so a slow disk never blocks forwarding; when
// the queue is full the record is dropped and a counter incremented.
type DomainLogger struct {
	dir     string
	format  string
	enabled bool
	log     Logger

	mu     sync.Mutex
	closed bool
	queue  chan interface{}
	wg     sync.WaitGroup

	filesMu sync.Mutex
	files   map[string]*logFile

	dropped atomic.Int64
	warned  atomic.Bool

	now func() time.Time
}

// NewDomain creates the per-domain exchange logger. programLog receives
// demoted I/O warnings.
func NewDomain(cfg config.LoggingConfig, programLog Logger) *DomainLogger {
	d := &DomainLogger{
		dir:     cfg.LogDir,
		format:  cfg.DomainLogs.Format,
		enabled: cfg.DomainLogs.Enabled,
		log:     programLog,
		queue:   make(chan interface{}, queueDepth),
		files:   make(map[string]*logFile),
		now:     time.Now,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// LogExchange enqueues one request/response record. Never blocks.
func (d *DomainLogger) LogExchange(rec *Exchange) {
	d.enqueue(rec)
}

// LogTunnel enqueues a blind-tunnel record. Never blocks.
func (d *DomainLogger) LogTunnel(rec *Tunnel) {
	d.enqueue(rec)
}

// Dropped returns how many records were discarded because the queue was
// full.
func (d *DomainLogger) Dropped() int64 {
	return d.dropped.Load()
}

func (d *DomainLogger) enqueue(rec interface{}) {
	if !d.enabled {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- rec:
	default:
		d.dropped.Add(1)
	}
}

// Close drains pending records and closes all file handles.
func (d *DomainLogger) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()

	d.filesMu.Lock()
	defer d.filesMu.Unlock()
	var firstErr error
	for _, lf := range d.files {
		if err := lf.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.files = make(map[string]*logFile)
	return firstErr
}

func (d *DomainLogger) run() {
	defer d.wg.Done()
	for item := range d.queue {
		switch rec := item.(type) {
		case *Exchange:
			d.write(rec.Domain, formatExchange(rec))
		case *Tunnel:
			d.write(rec.Domain, formatTunnel(rec))
		}
	}
}

// write appends one record to the domain's file for the record date. The
// handle table and each file carry their own lock; an I/O failure is
// demoted to a single warning on the program log.
func (d *DomainLogger) write(domain, block string) {
	date := d.now().Format("2006-01-02")
	lf, err := d.fileFor(date, domain)
	if err != nil {
		d.warnOnce("failed to open domain log for %s: %v", domain, err)
		return
	}

	lf.mu.Lock()
	_, err = lf.f.WriteString(block)
	lf.mu.Unlock()
	if err != nil {
		d.warnOnce("failed to write domain log for %s: %v", domain, err)
	}
}

func (d *DomainLogger) fileFor(date, domain string) (*logFile, error) {
	key := date + "|" + domain

	d.filesMu.Lock()
	defer d.filesMu.Unlock()
	if lf, ok := d.files[key]; ok {
		return lf, nil
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return nil, err
	}
	name := strings.NewReplacer(
		"{date}", date,
		"{domain}", sanitizeDomain(domain),
	).Replace(d.format)
	f, err := os.OpenFile(filepath.Join(d.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	lf := &logFile{f: f}
	d.files[key] = lf
	return lf, nil
}

func (d *DomainLogger) warnOnce(format string, args ...interface{}) {
	if d.warned.CompareAndSwap(false, true) {
		d.log.Warn(format, args...)
	}
}

// sanitizeDomain strips characters that are hostile in file names.
func sanitizeDomain(domain string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(domain)
}

func formatExchange(rec *Exchange) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s %s from %s\n",
		rec.Timestamp.Format(time.RFC3339), rec.Method, rec.URL, rec.Proto, rec.ClientAddr)
	writeHeaders(&b, "> ", rec.RequestHeaders)
	writeBody(&b, "> ", rec.RequestBody, rec.RequestSize, rec.RequestCut)
	b.WriteString("\n")
	status := rec.Status
	if status == "" {
		status = fmt.Sprintf("%d", rec.StatusCode)
	}
	fmt.Fprintf(&b, "< %s\n", status)
	writeHeaders(&b, "< ", rec.ResponseHeaders)
	writeBody(&b, "< ", rec.ResponseBody, rec.ResponseSize, rec.ResponseCut)
	if rec.ErrKind != "" {
		fmt.Fprintf(&b, "error: %s\n", rec.ErrKind)
	}
	fmt.Fprintf(&b, "duration: %s\n---\n", rec.Duration)
	return b.String()
}

func formatTunnel(rec *Tunnel) string {
	return fmt.Sprintf("[%s] CONNECT %s TUNNEL from %s - sent %d bytes, received %d bytes, %s\n---\n",
		rec.Timestamp.Format(time.RFC3339), rec.Target, rec.ClientAddr,
		rec.BytesSent, rec.BytesReceived, rec.Duration)
}

func writeHeaders(b *strings.Builder, prefix string, headers http.Header) {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range headers[k] {
			fmt.Fprintf(b, "%s%s: %s\n", prefix, k, v)
		}
	}
}

func writeBody(b *strings.Builder, prefix string, body []byte, size int64, cut bool) {
	if size == 0 {
		return
	}
	if body == nil {
		fmt.Fprintf(b, "%sbody: %d bytes (not recorded)\n", prefix, size)
		return
	}
	if cut {
		fmt.Fprintf(b, "%sbody (%d bytes): %q... (truncated)\n", prefix, size, body)
		return
	}
	fmt.Fprintf(b, "%sbody (%d bytes): %q\n", prefix, size, body)
}
