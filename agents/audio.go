package agents

import (
	"context"
	"io"
	"time"

	"github.com/bt-bridge/tutor-session/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// StreamLocalAudio pumps encoded microphone frames into the outbound track
// until the context ends or the microphone stream closes.
func StreamLocalAudio(
	ctx context.Context,
	logger shared.LoggerAdapter,
	track *webrtc.TrackLocalStaticSample,
	mediaTrack mediadevices.Track,
	frameDuration time.Duration,
) {
	reader, err := mediaTrack.NewEncodedReader(track.Codec().MimeType)
	if err != nil {
		logger.Error("creating media track reader", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				release()
				return
			}
			logger.Error("reading from media track", err)
			release()
			continue
		}
		if buf.Samples == 0 {
			release()
			continue
		}
		err = track.WriteSample(media.Sample{
			Data:     buf.Data[:],
			Duration: frameDuration,
		})
		release()
		if err != nil {
			logger.Error("failed to write sample to track", err)
			continue
		}
	}
}

// DrainRemoteAudio consumes the synthesized-speech track, handing each RTP
// payload to play (which may be nil), and calls done when the track ends.
// Playback itself is left to the embedding application.
func DrainRemoteAudio(
	ctx context.Context,
	logger shared.LoggerAdapter,
	track *webrtc.TrackRemote,
	play func(payload []byte),
	done func(),
) {
	defer done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		rtp, _, err := track.ReadRTP()
		if err != nil {
			if err != io.EOF {
				logger.Error("reading RTP packet", err)
			}
			return
		}
		if len(rtp.Payload) == 0 {
			continue
		}
		if play != nil {
			play(rtp.Payload)
		}
	}
}
