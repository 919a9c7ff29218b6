// Terminates TLS and relays bytes to a plaintext backend. The certificate is
// resolved from the store per handshake (not at listener startup), which is
// what makes rotation invisible: in-flight connections finished their
// handshake already and new ones pick up whatever is current.
package tlsproxy

import (
	"context"
	"crypto/tls"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/function61/gokit/logex"
)

type CertificateSource interface {
	GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error)
}

type Proxy struct {
	listenAddr   string
	backendAddr  string
	certs        CertificateSource
	drainTimeout time.Duration
	logl         *logex.Leveled

	mu             sync.Mutex
	activeListener net.Listener
	activeConns    map[net.Conn]struct{}

	// test seams
	listen           func() (net.Listener, error)
	acceptRetryDelay time.Duration
}

func New(
	listenAddr string,
	backendAddr string,
	certs CertificateSource,
	drainTimeout time.Duration,
	logger *log.Logger,
) *Proxy {
	return &Proxy{
		listenAddr:   listenAddr,
		backendAddr:  backendAddr,
		certs:        certs,
		drainTimeout: drainTimeout,
		logl:         logex.Levels(logger),
		activeConns:  map[net.Conn]struct{}{},

		listen: func() (net.Listener, error) {
			return net.Listen("tcp", listenAddr)
		},
		acceptRetryDelay: 100 * time.Millisecond,
	}
}

// Accepts until ctx is cancelled, then stops accepting immediately, lets
// in-flight connections drain for the grace period and force-closes the rest.
func (p *Proxy) Run(ctx context.Context) error {
	listener, err := p.listen()
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.activeListener = listener
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	p.logl.Info.Printf("listening on %s, forwarding to %s", p.listenAddr, p.backendAddr)

	tlsConf := &tls.Config{
		GetCertificate: p.certs.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}

	handlers := sync.WaitGroup{}

	for {
		clientConn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break // closed on purpose
			}

			p.logl.Error.Printf("accept: %v", err)

			// persistent errors here (fd exhaustion etc.) would otherwise spin
			// this loop hot
			time.Sleep(p.acceptRetryDelay)
			continue
		}

		p.track(clientConn)
		handlers.Add(1)

		go func() {
			defer handlers.Done()
			defer p.untrack(clientConn)

			p.handleConnection(ctx, clientConn, tlsConf)
		}()
	}

	drained := make(chan struct{})
	go func() {
		handlers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(p.drainTimeout):
		p.logl.Error.Printf("drain period (%s) elapsed; force-closing remaining connections", p.drainTimeout)
		p.closeActiveConns()
		<-drained
	}

	return nil
}

// LocalAddr returns the listener's address, usable once Run() has logged that
// it is listening. Mainly for tests binding to port 0.
func (p *Proxy) LocalAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.activeListener == nil {
		return nil
	}

	return p.activeListener.Addr()
}

// errors here are scoped to this one connection: logged, connection closed,
// the listener and other connections are unaffected
func (p *Proxy) handleConnection(ctx context.Context, clientConn net.Conn, tlsConf *tls.Config) {
	defer clientConn.Close()

	peer := clientConn.RemoteAddr()

	tlsConn := tls.Server(clientConn, tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		p.logl.Error.Printf("%s: handshake: %v", peer, err)
		return
	}

	backendConn, err := (&net.Dialer{}).DialContext(ctx, "tcp", p.backendAddr)
	if err != nil {
		// client sees its freshly handshaked session reset right away. A plain
		// Close() would send a clean FIN at a TLS record boundary, which the
		// client cannot tell apart from the conversation gracefully ending.
		p.logl.Error.Printf("%s: backend unreachable: %v", peer, err)
		abortiveClose(clientConn)
		return
	}
	defer backendConn.Close()

	toBackend, toClient := relay(tlsConn, backendConn.(*net.TCPConn))

	p.logl.Debug.Printf("%s: closed (%d b in, %d b out)", peer, toBackend, toClient)
}

// copies both directions, propagating half-closes: EOF on one direction shuts
// down the write side of the other while the opposite direction keeps flowing.
// Returns only once both directions have terminated.
func relay(clientConn *tls.Conn, backendConn *net.TCPConn) (toBackend int64, toClient int64) {
	directions := sync.WaitGroup{}
	directions.Add(2)

	go func() {
		defer directions.Done()

		toBackend, _ = io.Copy(backendConn, clientConn)
		backendConn.CloseWrite()
	}()

	go func() {
		defer directions.Done()

		toClient, _ = io.Copy(clientConn, backendConn)
		clientConn.CloseWrite()
	}()

	directions.Wait()

	return
}

func (p *Proxy) track(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.activeConns[conn] = struct{}{}
}

func (p *Proxy) untrack(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.activeConns, conn)
}

func (p *Proxy) closeActiveConns() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for conn := range p.activeConns {
		abortiveClose(conn)
	}
}

// close with a RST instead of a FIN. The peer gets a read error, where a plain
// close would look like a graceful end-of-stream.
func abortiveClose(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetLinger(0)
	}

	conn.Close()
}
