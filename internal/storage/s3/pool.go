package s3

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ConnectionPool bounds the number of concurrent S3 requests per backend.
// Clients are created lazily up to maxSize and handed back with Put.
type ConnectionPool struct {
	mu          sync.Mutex
	connections chan API
	factory     func() (API, error)
	maxSize     int
	currentSize int
	closed      bool

	stats PoolStats
}

// PoolStats tracks connection pool statistics
type PoolStats struct {
	Active      int       `json:"active"`
	Idle        int       `json:"idle"`
	Total       int       `json:"total"`
	MaxSize     int       `json:"max_size"`
	Hits        int64     `json:"hits"`
	Waits       int64     `json:"waits"`
	Errors      int64     `json:"errors"`
	Created     int64     `json:"created"`
	Destroyed   int64     `json:"destroyed"`
	LastCreated time.Time `json:"last_created"`
	LastError   string    `json:"last_error"`
	LastErrorAt time.Time `json:"last_error_at"`
}

var errPoolClosed = fmt.Errorf("connection pool is closed")

// maxPoolSize is the most clients a pool can grow to.
const maxPoolSize = 1024

// NewConnectionPool creates a new connection pool
func NewConnectionPool(maxSize int, factory func() (API, error)) (*ConnectionPool, error) {
	if maxSize <= 0 {
		maxSize = 8
	}
	if factory == nil {
		return nil, fmt.Errorf("connection factory cannot be nil")
	}
	return &ConnectionPool{
		// sized generously so Resize can grow without reallocating
		connections: make(chan API, maxPoolSize),
		factory:     factory,
		maxSize:     maxSize,
		stats:       PoolStats{MaxSize: maxSize},
	}, nil
}

// Get returns an idle client, creates one when below the limit, or waits for
// one to be returned.
func (p *ConnectionPool) Get(ctx context.Context) (API, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errPoolClosed
	}
	select {
	case conn := <-p.connections:
		p.stats.Hits++
		p.stats.Active++
		p.mu.Unlock()
		return conn, nil
	default:
	}
	if p.currentSize < p.maxSize {
		p.currentSize++
		p.mu.Unlock()
		return p.createConnection()
	}
	p.stats.Waits++
	p.mu.Unlock()

	select {
	case conn := <-p.connections:
		p.mu.Lock()
		p.stats.Active++
		p.mu.Unlock()
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns a connection to the pool
func (p *ConnectionPool) Put(conn API) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Active--
	if p.closed || p.currentSize > p.maxSize {
		// shrunk by Resize, or closed: discard
		p.currentSize--
		p.stats.Destroyed++
		return
	}
	p.connections <- conn
}

// Stats returns current pool statistics
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	stats.Total = p.currentSize
	stats.Idle = len(p.connections)
	return stats
}

// Close closes the connection pool
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for len(p.connections) > 0 {
		<-p.connections
		p.currentSize--
		p.stats.Destroyed++
	}
	return nil
}

// Resize changes the maximum pool size. Idle clients above the new limit are
// dropped at once, busy ones when they are returned.
func (p *ConnectionPool) Resize(newSize int) error {
	if newSize <= 0 {
		return fmt.Errorf("pool size must be positive")
	}
	if newSize > cap(p.connections) {
		return fmt.Errorf("pool size %d exceeds limit %d", newSize, cap(p.connections))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPoolClosed
	}

	p.maxSize = newSize
	p.stats.MaxSize = newSize
	for p.currentSize > newSize && len(p.connections) > 0 {
		<-p.connections
		p.currentSize--
		p.stats.Destroyed++
	}
	return nil
}

func (p *ConnectionPool) createConnection() (API, error) {
	conn, err := p.factory()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.currentSize--
		p.stats.Errors++
		p.stats.LastError = err.Error()
		p.stats.LastErrorAt = time.Now()
		return nil, err
	}
	p.stats.Created++
	p.stats.Active++
	p.stats.LastCreated = time.Now()
	return conn, nil
}
