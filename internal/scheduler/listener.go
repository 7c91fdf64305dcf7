package scheduler

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/report-scheduler/internal/db"
)

// Waker is anything that can be prodded into an early poll
type Waker interface {
	Wake()
}

// ChangeListener wakes the loop when Postgres signals a schedule change
type ChangeListener struct {
	connStr string
	waker   Waker
}

// NewChangeListener creates a listener on db.ScheduleChangesChannel
func NewChangeListener(connStr string, waker Waker) *ChangeListener {
	return &ChangeListener{connStr: connStr, waker: waker}
}

// Start listens until ctx is cancelled, reconnecting after errors
func (l *ChangeListener) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Schedule change listener stopped")
			return
		default:
			if err := l.listen(ctx); err != nil {
				log.Warn().Err(err).Msg("Schedule change listener error, retrying in 5s")
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
			}
		}
	}
}

func (l *ChangeListener) listen(ctx context.Context) error {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("Schedule change listener event error")
		}
	})
	defer listener.Close()

	if err := listener.Listen(db.ScheduleChangesChannel); err != nil {
		return err
	}

	log.Info().Msg("Schedule change listener started")

	for {
		select {
		case <-ctx.Done():
			return nil

		case n := <-listener.Notify:
			// nil after a reconnect; changes may have been missed
			if n != nil {
				log.Debug().Str("schedule_id", n.Extra).Msg("Schedule changed")
			}
			l.waker.Wake()

		case <-time.After(90 * time.Second):
			if err := listener.Ping(); err != nil {
				return err
			}
		}
	}
}

// StartChangeListener starts a listener when the connection supports LISTEN.
// A direct URL, when given and reachable, is preferred over the main one.
// Without a listener the loop relies on polling alone.
func StartChangeListener(ctx context.Context, connStr, directURL string, waker Waker) bool {
	if directURL != "" {
		if testConnection(directURL) {
			go NewChangeListener(directURL, waker).Start(ctx)
			return true
		}
		log.Warn().Msg("Direct database URL unreachable, trying main connection for LISTEN")
	}

	if connStr == "" || !canUseListen(connStr) {
		log.Info().Msg("Schedule change listener disabled (connection pooler detected), polling only")
		return false
	}

	go NewChangeListener(connStr, waker).Start(ctx)
	return true
}

func testConnection(connStr string) bool {
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to open direct connection")
		return false
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		log.Debug().Err(err).Msg("Failed to ping direct connection")
		return false
	}
	return true
}

// canUseListen reports whether the connection string supports LISTEN/NOTIFY.
// Transaction-mode poolers do not.
func canUseListen(connStr string) bool {
	if strings.Contains(connStr, "pooler") {
		return false
	}
	// PgBouncer default port
	if strings.Contains(connStr, ":6543") {
		return false
	}
	return true
}
