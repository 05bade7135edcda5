package proxy

import (
	"io"
	"net"
	"sync"
)

// tunnel copies bytes between the client and the origin in both directions
// until either side closes, and returns the client→origin and origin→client
// byte counts. The payload is never inspected.
func tunnel(client, origin net.Conn) (sent, received int64) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, _ := io.Copy(origin, client)
		sent = n
		closeWrite(origin)
	}()
	go func() {
		defer wg.Done()
		n, _ := io.Copy(client, origin)
		received = n
		closeWrite(client)
	}()
	wg.Wait()
	return sent, received
}

// closeWrite half-closes a connection so the peer sees EOF while the other
// direction keeps draining.
func closeWrite(c net.Conn) {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}
