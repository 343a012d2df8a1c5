package rtc

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

var _ core.MediaSource = StaticSource{}

// LocalTrack is a sample-fed local track. Nothing captures into it; the
// owner may write samples to Track().
type LocalTrack struct {
	track   *webrtc.TrackLocalStaticSample
	stopped atomic.Bool
}

func (t *LocalTrack) ID() string   { return t.track.ID() }
func (t *LocalTrack) Kind() string { return t.track.Kind().String() }

func (t *LocalTrack) Track() *webrtc.TrackLocalStaticSample { return t.track }

func (t *LocalTrack) Stop() error {
	t.stopped.Store(true)
	return nil
}

func (t *LocalTrack) Stopped() bool { return t.stopped.Load() }

// StaticSource hands out an Opus track, plus a VP8 track for video calls.
type StaticSource struct{}

func (StaticSource) Acquire(ctx context.Context, kind domain.Kind) ([]core.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.MediaError{Reason: domain.MediaNoDevice, Kind: kind}
	}
	stream := uuid.NewString()
	caps := []webrtc.RTPCodecCapability{{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}}
	if kind == domain.KindVideo {
		caps = append(caps, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000})
	}
	out := make([]core.LocalTrack, 0, len(caps))
	for _, c := range caps {
		track, err := webrtc.NewTrackLocalStaticSample(c, uuid.NewString(), stream)
		if err != nil {
			for _, t := range out {
				_ = t.Stop()
			}
			return nil, &domain.MediaError{Reason: domain.MediaNoDevice, Kind: kind}
		}
		out = append(out, &LocalTrack{track: track})
	}
	return out, nil
}
