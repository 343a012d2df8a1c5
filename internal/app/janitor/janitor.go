// Package janitor ends sessions left ringing in the durable store, e.g.
// when the caller process died before its own ring timeout fired.
package janitor

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
	"github.com/dkeye/callsig/internal/metrics"
)

// Sessions is what a sweep needs from the store.
type Sessions interface {
	core.ChatHistory
	ListRinging(ctx context.Context, before time.Time) ([]*domain.Session, error)
	Update(ctx context.Context, id domain.SessionID, fn core.UpdateFunc) (*domain.Session, error)
	DeleteAllCandidates(ctx context.Context, id domain.SessionID) error
}

type Janitor struct {
	sessions    Sessions
	ringTimeout time.Duration
	timeout     time.Duration
	now         func() time.Time
	cron        *cron.Cron
	log         zerolog.Logger
}

func New(sessions Sessions, ringTimeout time.Duration) *Janitor {
	l := log.With().Str("module", "janitor").Logger()
	cl := cronLogger{l}
	return &Janitor{
		sessions:    sessions,
		ringTimeout: ringTimeout,
		timeout:     10 * time.Second,
		now:         time.Now,
		cron:        cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:         l,
	}
}

// Start schedules the sweep, e.g. "@every 15s".
func (j *Janitor) Start(schedule string) error {
	_, err := j.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		defer cancel()
		if _, err := j.Sweep(ctx); err != nil {
			j.log.Error().Err(err).Msg("sweep failed")
		}
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	j.log.Info().Str("schedule", schedule).Dur("ring_timeout", j.ringTimeout).Msg("janitor started")
	return nil
}

// Stop unschedules the sweep and waits for a running one.
func (j *Janitor) Stop(ctx context.Context) {
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
}

var errFresh = errors.New("no longer expired")

// Sweep ends every session that has been ringing longer than the ring
// timeout and reports how many it ended.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.ringTimeout)
	expired, err := j.sessions.ListRinging(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range expired {
		ended, err := j.expire(ctx, rec.ID, cutoff)
		if err != nil {
			j.log.Warn().Err(err).Str("session", string(rec.ID)).Msg("expire session")
			continue
		}
		if ended != nil {
			n++
		}
	}
	if n > 0 {
		j.log.Info().Int("expired", n).Msg("sweep done")
	}
	return n, nil
}

// expire ends one session if it still rings past cutoff. The check runs
// inside the update so a late answer wins.
func (j *Janitor) expire(ctx context.Context, id domain.SessionID, cutoff time.Time) (*domain.Session, error) {
	var before domain.Session
	_, err := j.sessions.Update(ctx, id, func(cur *domain.Session) (domain.Patch, error) {
		if cur == nil || cur.Status != domain.StatusRinging || cur.UpdatedAt.After(cutoff) {
			return domain.Patch{}, errFresh
		}
		before = *cur
		return domain.EndPatch(domain.StatusEnded), nil
	})
	if errors.Is(err, errFresh) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	metrics.JanitorExpired.Inc()

	if err := j.sessions.DeleteAllCandidates(ctx, id); err != nil {
		j.log.Warn().Err(err).Str("session", string(id)).Msg("delete candidates")
	}
	metrics.MissedCalls.Inc()
	err = j.sessions.RecordMissedCall(ctx, domain.MissedCall{
		ChatID:   id,
		Kind:     before.Kind,
		CallerID: before.CallerID,
		CalleeID: before.CalleeID,
		At:       j.now(),
	})
	if err != nil {
		j.log.Warn().Err(err).Str("session", string(id)).Msg("record missed call")
	}
	return &before, nil
}

type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
