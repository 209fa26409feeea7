package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/nostr-archive/archiver/src/utils/config"
	"github.com/nostr-archive/archiver/src/utils/model"
	"github.com/nostr-archive/archiver/src/utils/task"

	"github.com/cenkalti/backoff/v4"
	"github.com/teivah/onecontext"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Gateway owns the database connection lifecycle: a bounded pool of
// leases, retried connection establishment and per-operation timeouts.
// Everything else talks to the database only through it.
type Gateway struct {
	*task.Task

	dbConfig *config.Database

	// Shared handle used to open dedicated connections
	db    *gorm.DB
	sqlDB *sql.DB

	// Creates a gorm dialector on top of a dedicated connection.
	// Overridable, tests run on sqlite.
	dialector func(conn gorm.ConnPool) gorm.Dialector

	// Connect is only needed when the gateway wasn't given a DB upfront
	applicationName string

	mtx     sync.Mutex
	idle    chan *Lease
	numOpen int

	// Operations still running, stop waits for them up to the grace period
	opsWg sync.WaitGroup
}

func NewGateway(config *config.Config, applicationName string) (self *Gateway) {
	self = new(Gateway)
	self.dbConfig = &config.Database
	self.applicationName = applicationName

	self.idle = make(chan *Lease, config.Database.PoolMaxConns)

	self.dialector = func(conn gorm.ConnPool) gorm.Dialector {
		return postgres.New(postgres.Config{Conn: conn})
	}

	self.Task = task.NewTask(config, "gateway").
		WithOnBeforeStart(self.connect).
		WithSubtaskFunc(self.run).
		WithOnAfterStop(self.drain)

	return
}

// run keeps the gateway alive until stop, then waits for in-flight
// operations so their connections aren't pulled from under them
func (self *Gateway) run() (err error) {
	<-self.StopChannel
	self.opsWg.Wait()
	return nil
}

// WithDB injects an already opened database handle, skipping dialing.
// Used by tests and by callers that share one handle between gateways.
func (self *Gateway) WithDB(db *gorm.DB) *Gateway {
	self.db = db
	return self
}

func (self *Gateway) WithDialector(f func(conn gorm.ConnPool) gorm.Dialector) *Gateway {
	self.dialector = f
	return self
}

func (self *Gateway) connect() (err error) {
	if self.db == nil {
		err = task.NewRetry().
			WithContext(self.Ctx).
			WithMaxElapsedTime(self.dbConfig.ConnectBackoffMaxElapsedTime).
			WithMaxInterval(self.dbConfig.ConnectBackoffMaxInterval).
			WithOnError(func(err error, isDurationAcceptable bool) error {
				if errors.Is(err, context.Canceled) && self.IsStopping.Load() {
					return backoff.Permanent(err)
				}
				self.Log.WithError(err).Warn("Failed to connect to the database, retrying")
				return err
			}).
			Run(func() error {
				var err error
				self.db, err = model.NewConnection(self.Ctx, self.Config, self.applicationName)
				return err
			})
		if err != nil {
			return ErrConnectionUnavailable
		}
	}

	self.sqlDB, err = self.db.DB()
	if err != nil {
		return
	}

	// Warm up the lower bound of the pool
	for i := 0; i < self.dbConfig.PoolMinConns; i++ {
		lease, err := self.openLease(self.Ctx)
		if err != nil {
			self.Log.WithError(err).Warn("Failed to warm up a pool connection")
			break
		}
		self.mtx.Lock()
		self.numOpen++
		self.mtx.Unlock()
		self.idle <- lease
	}

	return nil
}

func (self *Gateway) drain() {
	for {
		select {
		case lease := <-self.idle:
			lease.close()
		default:
			return
		}
	}
}

// openLease establishes one dedicated connection, retrying transient
// dial failures. The connection is pinged before it is handed out.
func (self *Gateway) openLease(ctx context.Context) (lease *Lease, err error) {
	err = task.NewRetry().
		WithContext(ctx).
		WithMaxElapsedTime(self.dbConfig.ConnectBackoffMaxElapsedTime).
		WithMaxInterval(self.dbConfig.ConnectBackoffMaxInterval).
		WithOnError(func(err error, isDurationAcceptable bool) error {
			if errors.Is(err, context.Canceled) && self.IsStopping.Load() {
				return backoff.Permanent(err)
			}
			self.Log.WithError(err).Warn("Failed to establish a pool connection, retrying")
			return err
		}).
		Run(func() (err error) {
			var conn *sql.Conn
			conn, err = self.sqlDB.Conn(ctx)
			if err != nil {
				return
			}

			// Re-validate liveness before the connection is used
			pingCtx, cancel := context.WithTimeout(ctx, self.dbConfig.PingTimeout)
			err = conn.PingContext(pingCtx)
			cancel()
			if err != nil {
				_ = conn.Close()
				return
			}

			var db *gorm.DB
			db, err = gorm.Open(self.dialector(conn), &gorm.Config{Logger: self.db.Logger})
			if err != nil {
				_ = conn.Close()
				return
			}

			now := time.Now()
			lease = &Lease{DB: db, conn: conn, createdAt: now, lastUsed: now}
			return
		})
	if err != nil {
		return nil, ErrConnectionUnavailable
	}
	return
}

// Acquire returns a scoped connection lease. When the pool is at its
// bound and nothing frees up within the acquire timeout, the caller
// gets ErrPoolExhausted instead of hanging forever.
func (self *Gateway) Acquire(ctx context.Context) (lease *Lease, err error) {
	timer := time.NewTimer(self.dbConfig.AcquireTimeout)
	defer timer.Stop()

	for {
		// Fast path, an idle lease is available
		select {
		case lease = <-self.idle:
			if self.validate(lease) {
				return lease, nil
			}
			self.destroy(lease)
			continue
		default:
		}

		// Open a new connection if the pool still has room
		self.mtx.Lock()
		if self.numOpen < self.dbConfig.PoolMaxConns {
			self.numOpen++
			self.mtx.Unlock()

			lease, err = self.openLease(ctx)
			if err != nil {
				self.mtx.Lock()
				self.numOpen--
				self.mtx.Unlock()
				return nil, err
			}
			return lease, nil
		}
		self.mtx.Unlock()

		// Pool is full, block until a lease is released
		select {
		case lease = <-self.idle:
			if self.validate(lease) {
				return lease, nil
			}
			self.destroy(lease)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-self.CtxRunning.Done():
			return nil, self.CtxRunning.Err()
		case <-timer.C:
			return nil, ErrPoolExhausted
		}
	}
}

// Release returns the lease to the pool, or disposes of it when it is
// broken or served its share of operations
func (self *Gateway) Release(lease *Lease) {
	if lease == nil {
		return
	}
	if lease.broken || lease.ops >= self.dbConfig.MaxOpsPerConn {
		self.destroy(lease)
		return
	}

	lease.lastUsed = time.Now()
	select {
	case self.idle <- lease:
	default:
		// Pool shrank in the meantime
		self.destroy(lease)
	}
}

func (self *Gateway) validate(lease *Lease) bool {
	if lease.broken {
		return false
	}
	if time.Since(lease.lastUsed) > self.dbConfig.MaxConnIdleTime {
		return false
	}
	return lease.ops < self.dbConfig.MaxOpsPerConn
}

func (self *Gateway) destroy(lease *Lease) {
	lease.close()
	self.mtx.Lock()
	self.numOpen--
	self.mtx.Unlock()
}

// NumOpen is exposed for monitoring
func (self *Gateway) NumOpen() int {
	self.mtx.Lock()
	defer self.mtx.Unlock()
	return self.numOpen
}

// Execute runs one operation on a leased connection under the
// per-operation timeout. The operation's context is merged with the
// gateway's running context, so a finished shutdown cancels stragglers
// while operations inside the grace period complete normally.
func (self *Gateway) Execute(ctx context.Context, f func(db *gorm.DB) error) (err error) {
	if self.CtxRunning.Err() != nil {
		// Gateway finished shutting down, nothing can be leased safely
		return ErrConnectionUnavailable
	}

	self.opsWg.Add(1)
	defer self.opsWg.Done()

	lease, err := self.Acquire(ctx)
	if err != nil {
		return
	}
	defer self.Release(lease)

	merged, cancelMerge := onecontext.Merge(ctx, self.CtxRunning)
	defer cancelMerge()

	opCtx, cancel := context.WithTimeout(merged, self.dbConfig.OperationTimeout)
	defer cancel()

	lease.ops++
	err = f(lease.DB.WithContext(opCtx))
	if err != nil && isConnectionError(err) {
		lease.MarkBroken()
	}
	return
}

// Connection level failures poison the lease, query level failures don't
func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
