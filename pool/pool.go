package pool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smartpcr/docengine"
)

// Connection is a logical session handed out by Pool. The engine is
// embedded and single-node, so every Connection shares the same underlying
// *docengine.Database (one Pager, one buffer pool, one WAL) rather than
// opening a second independent file handle per connection -- pooling here
// bounds how many goroutines are treated as concurrently "checked out"
// against that one engine, which is what the idle/health-check bookkeeping
// below actually manages.
type Connection struct {
	DB        *docengine.Database
	ID        uint64
	lastUsed  time.Time
	InUse     atomic.Bool
	CreatedAt time.Time
	pool      *Pool
	mu        sync.RWMutex
}

// GetLastUsed returns when connection was last used (thread-safe)
func (c *Connection) GetLastUsed() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUsed
}

// setLastUsed sets last used time (thread-safe)
func (c *Connection) setLastUsed(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUsed = t
}

// Pool manages a bounded set of logical connections onto a single shared
// database engine.
type Pool struct {
	path           string
	opts           *docengine.Options
	db             *docengine.Database
	connections    []*Connection
	mu             sync.RWMutex
	nextID         atomic.Uint64
	minSize        int
	maxSize        int
	idleTimeout    time.Duration
	healthInterval time.Duration
	stopChan       chan struct{}
	running        bool
}

// PoolOptions configures the connection pool
type PoolOptions struct {
	MinSize        int           // Minimum pool size (default: 5)
	MaxSize        int           // Maximum pool size (default: 100)
	IdleTimeout    time.Duration // Idle connection timeout (default: 5min)
	HealthInterval time.Duration // Health check interval (default: 30s)
}

// DefaultPoolOptions returns default pool options
func DefaultPoolOptions() *PoolOptions {
	return &PoolOptions{
		MinSize:        5,
		MaxSize:        100,
		IdleTimeout:    5 * time.Minute,
		HealthInterval: 30 * time.Second,
	}
}

// NewPool creates a new connection pool
func NewPool(path string, dbOpts *docengine.Options, poolOpts *PoolOptions) (*Pool, error) {
	if poolOpts == nil {
		poolOpts = DefaultPoolOptions()
	}

	if dbOpts == nil {
		dbOpts = docengine.DefaultOptions(path)
	}

	db, err := docengine.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pool := &Pool{
		path:           path,
		opts:           dbOpts,
		db:             db,
		connections:    make([]*Connection, 0, poolOpts.MaxSize),
		minSize:        poolOpts.MinSize,
		maxSize:        poolOpts.MaxSize,
		idleTimeout:    poolOpts.IdleTimeout,
		healthInterval: poolOpts.HealthInterval,
		stopChan:       make(chan struct{}),
		running:        false,
	}

	// Create minimum connections
	for i := 0; i < poolOpts.MinSize; i++ {
		pool.connections = append(pool.connections, pool.createConnection())
	}

	// Start health checker
	pool.running = true
	go pool.healthChecker()

	return pool, nil
}

// createConnection hands out a new logical session against the pool's
// shared database.
func (p *Pool) createConnection() *Connection {
	conn := &Connection{
		DB:        p.db,
		ID:        p.nextID.Add(1),
		CreatedAt: time.Now(),
		pool:      p,
	}
	conn.InUse.Store(false)
	conn.setLastUsed(time.Now())

	return conn
}

// Acquire acquires a connection from the pool
func (p *Pool) Acquire() (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil, fmt.Errorf("pool is closed")
	}

	// Try to find an idle connection
	for _, conn := range p.connections {
		if !conn.InUse.Load() && !conn.DB.IsClosed() {
			conn.InUse.Store(true)
			conn.setLastUsed(time.Now())
			return conn, nil
		}
	}

	// Create new connection if under max size
	if len(p.connections) < p.maxSize {
		conn := p.createConnection()
		conn.InUse.Store(true)
		p.connections = append(p.connections, conn)
		return conn, nil
	}

	// At max size with no idle connection: fail at once, without waiting
	return nil, fmt.Errorf("pool exhausted, max size %d reached", p.maxSize)
}

// Release releases a connection back to the pool
func (p *Pool) Release(conn *Connection) error {
	if conn == nil {
		return fmt.Errorf("cannot release nil connection")
	}

	if conn.pool != p {
		return fmt.Errorf("connection does not belong to this pool")
	}

	conn.InUse.Store(false)
	conn.setLastUsed(time.Now())

	return nil
}

// healthChecker periodically checks connection health
func (p *Pool) healthChecker() {
	ticker := time.NewTicker(p.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.checkHealth()
		case <-p.stopChan:
			return
		}
	}
}

// checkHealth checks and removes unhealthy/idle connections
func (p *Pool) checkHealth() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	activeconns := make([]*Connection, 0, len(p.connections))

	for _, conn := range p.connections {
		// Skip connections in use
		if conn.InUse.Load() {
			activeconns = append(activeconns, conn)
			continue
		}

		// The shared engine closed out from under the pool (e.g. Close was
		// called directly on it) -- drop every idle session, Acquire will
		// surface the error on the next call.
		if conn.DB.IsClosed() {
			continue // Remove from pool
		}

		// Idle sessions above minSize are pruned; this only retires the
		// logical Connection, the shared *docengine.Database stays open.
		if now.Sub(conn.GetLastUsed()) > p.idleTimeout && len(activeconns) >= p.minSize {
			continue // Remove from pool
		}

		activeconns = append(activeconns, conn)
	}

	p.connections = activeconns

	// Ensure minimum pool size
	for len(p.connections) < p.minSize {
		p.connections = append(p.connections, p.createConnection())
	}
}

// GetStats returns pool statistics
func (p *Pool) GetStats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		TotalConnections:  len(p.connections),
		IdleConnections:   0,
		ActiveConnections: 0,
		MinSize:           p.minSize,
		MaxSize:           p.maxSize,
	}

	for _, conn := range p.connections {
		if conn.InUse.Load() {
			stats.ActiveConnections++
		} else {
			stats.IdleConnections++
		}
	}

	return stats
}

// Close closes all connections in the pool
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return fmt.Errorf("pool already closed")
	}

	p.running = false
	close(p.stopChan)

	p.connections = nil
	return p.db.Close()
}

// PoolStats contains pool statistics
type PoolStats struct {
	TotalConnections  int
	IdleConnections   int
	ActiveConnections int
	MinSize           int
	MaxSize           int
}
