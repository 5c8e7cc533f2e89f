package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// OpenBadger opens (or creates) the embedded store under dir. An empty dir
// opens an in-memory store.
func OpenBadger(dir string, logger zerolog.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{logger.With().Str("component", "badger").Logger()})

	kv, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}
	return kv, nil
}

// BadgerPinger adapts a badger.DB to Pinger.
type BadgerPinger struct{ DB *badger.DB }

func (p BadgerPinger) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.DB == nil || p.DB.IsClosed() {
		return errors.New("badger store is closed")
	}
	return p.DB.View(func(*badger.Txn) error { return nil })
}

// badgerLogger routes badger's printf-style logging into zerolog. Info
// output is demoted to debug; badger is chatty on open and compaction.
type badgerLogger struct{ l zerolog.Logger }

func (b badgerLogger) Errorf(f string, v ...interface{}) {
	b.l.Error().Msg(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (b badgerLogger) Warningf(f string, v ...interface{}) {
	b.l.Warn().Msg(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (b badgerLogger) Infof(f string, v ...interface{}) {
	b.l.Debug().Msg(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (b badgerLogger) Debugf(f string, v ...interface{}) {
	b.l.Trace().Msg(strings.TrimSpace(fmt.Sprintf(f, v...)))
}
