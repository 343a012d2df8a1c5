// Command agent is a headless call party. It connects to a callsig relay,
// places or answers one call with generated media and exits when the call
// is over.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/dkeye/callsig/internal/adapters/relayclient"
	"github.com/dkeye/callsig/internal/adapters/rtc"
	"github.com/dkeye/callsig/internal/app/call"
	"github.com/dkeye/callsig/internal/app/invite"
	"github.com/dkeye/callsig/internal/config"
	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

type options struct {
	relay   string
	id      string
	call    string
	join    string
	kind    string
	hold    time.Duration
	decline bool
}

func main() {
	var o options
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	fs.StringVar(&o.relay, "relay", "ws://localhost:8080/api/ws/signal", "relay room endpoint")
	fs.StringVar(&o.id, "id", "", "handle to connect as (random when empty)")
	fs.StringVar(&o.call, "call", "", "create this room and call whoever joins it")
	fs.StringVar(&o.join, "join", "", "join this room and answer the call placed in it")
	fs.StringVar(&o.kind, "kind", string(domain.KindAudio), "call kind: audio or video")
	fs.DurationVar(&o.hold, "hold", 0, "hang up this long after the call becomes active (0 waits for the peer)")
	fs.BoolVar(&o.decline, "decline", false, "decline instead of answering")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if (o.call == "") == (o.join == "") {
		fmt.Fprintln(os.Stderr, "exactly one of --call or --join is required")
		os.Exit(2)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, o); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("agent failed")
	}
}

func run(ctx context.Context, cfg *config.Config, o options) error {
	client, err := relayclient.Dial(ctx, o.relay, domain.Handle(o.id))
	if err != nil {
		return err
	}
	defer client.Close()

	deps := call.Deps{
		Transport: client,
		NewEngine: rtc.NewEngineFactory(rtc.Config(cfg.RTC.ICEServers)),
		Media:     rtc.StaticSource{},
	}
	opts := call.Options{
		RingTimeout:      cfg.Call.RingTimeout,
		CleanupTimeout:   cfg.Call.CleanupTimeout,
		CandidateRetries: cfg.Call.CandidateRetries,
		CandidateBackoff: cfg.Call.CandidateBackoff,
	}

	if o.call != "" {
		return placeCall(ctx, client, deps, opts, o)
	}
	return answerCall(ctx, cfg, client, deps, opts, o)
}

func placeCall(ctx context.Context, client *relayclient.Client, deps call.Deps, opts call.Options, o options) error {
	room := domain.RoomID(o.call)
	if _, err := client.CreateRoom(ctx, room); err != nil {
		return fmt.Errorf("create room %s: %w", room, err)
	}
	log.Info().Str("room", string(room)).Msg("waiting for a peer")
	peer, err := client.WaitPeer(ctx)
	if err != nil {
		return err
	}

	p := call.Params{
		Local:     domain.UserID(o.id),
		Remote:    domain.UserID(peer),
		SessionID: domain.SessionID(room),
		Kind:      domain.Kind(o.kind),
		RoleHint:  domain.RoleCaller,
	}
	return converse(ctx, p, deps, opts, o.hold)
}

func answerCall(ctx context.Context, cfg *config.Config, client *relayclient.Client, deps call.Deps, opts call.Options, o options) error {
	room := domain.RoomID(o.join)
	if _, err := client.JoinRoom(ctx, room); err != nil {
		return fmt.Errorf("join room %s: %w", room, err)
	}

	w := invite.New(domain.UserID(o.id), client, client, nil, nil, invite.Options{
		ReconcileInterval: cfg.Invite.ReconcileInterval,
	})
	wctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		if err := w.Run(wctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("invite watcher stopped")
		}
	}()

	log.Info().Str("room", string(room)).Msg("waiting for an invitation")
	var inv invite.Invitation
	for inv.SessionID == "" {
		select {
		case ev, ok := <-w.Updates():
			if !ok {
				return ctx.Err()
			}
			if ev.Cleared {
				log.Info().Str("session", string(ev.Invitation.SessionID)).Str("reason", string(ev.Reason)).Msg("invitation cleared")
				continue
			}
			inv = ev.Invitation
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	log.Info().Str("session", string(inv.SessionID)).Str("caller", inv.Caller.DisplayName).Str("kind", string(inv.Kind)).Msg("incoming call")

	p := call.Params{
		Local:     domain.UserID(o.id),
		Remote:    inv.CallerID,
		SessionID: inv.SessionID,
		Kind:      inv.Kind,
		RoleHint:  domain.RoleCallee,
	}
	if o.decline {
		if _, _, err := w.Decline(ctx); err != nil {
			return err
		}
		m, err := call.New(p, deps, opts)
		if err != nil {
			return err
		}
		err = m.Decline(ctx)
		<-m.Done()
		log.Info().Str("session", string(p.SessionID)).Msg("declined")
		return err
	}
	if _, _, err := w.Answer(ctx); err != nil {
		return err
	}
	return converse(ctx, p, deps, opts, o.hold)
}

// converse runs one machine to completion. Interrupts and the hold timer
// hang up; the peer hanging up ends it on its own.
func converse(ctx context.Context, p call.Params, deps call.Deps, opts call.Options, hold time.Duration) error {
	l := log.With().Str("session", string(p.SessionID)).Logger()
	active := make(chan struct{}, 1)
	deps.Listener = call.ListenerFuncs{
		State: func(s call.Snapshot) {
			ev := l.Info().Str("state", string(s.State)).Str("role", string(s.Role))
			if s.Err != nil {
				ev = ev.AnErr("cause", s.Err)
			}
			ev.Msg("call state")
			if s.State == call.StateActive {
				select {
				case active <- struct{}{}:
				default:
				}
			}
		},
		EndedExternally: func() { l.Info().Msg("peer hung up") },
		RemoteTrack: func(t core.RemoteTrack) {
			l.Info().Str("track", t.ID()).Str("kind", t.Kind()).Msg("remote track")
		},
	}

	m, err := call.New(p, deps, opts)
	if err != nil {
		return err
	}
	if err := m.Start(ctx); err != nil {
		<-m.Done()
		return err
	}

	var holdC <-chan time.Time
	for {
		select {
		case <-m.Done():
			snap := m.Snapshot()
			if snap.Outcome == call.OutcomeFailed {
				return fmt.Errorf("call failed: %w", snap.Err)
			}
			return nil
		case <-active:
			if hold > 0 && holdC == nil {
				holdC = time.After(hold)
			}
		case <-holdC:
			m.End(context.Background(), false)
		case <-ctx.Done():
			m.End(context.Background(), m.Snapshot().State == call.StateAwaitingAnswer)
			<-m.Done()
			return ctx.Err()
		}
	}
}
