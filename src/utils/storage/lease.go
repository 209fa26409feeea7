package storage

import (
	"database/sql"
	"time"

	"gorm.io/gorm"
)

// Lease is one pooled connection handed out to a single caller at a time.
// DB is a gorm session bound to a dedicated *sql.Conn, so server-side
// state (prepared statements, poolers) stays with the lease.
type Lease struct {
	DB *gorm.DB

	conn      *sql.Conn
	ops       int
	createdAt time.Time
	lastUsed  time.Time

	// A lease that failed mid-operation is discarded, never pooled again
	broken bool
}

// MarkBroken flags the lease for disposal on release
func (self *Lease) MarkBroken() {
	self.broken = true
}

func (self *Lease) close() {
	if self.conn != nil {
		_ = self.conn.Close()
	}
}
