package agents

import (
	"context"
	"errors"
	"sync"
	"time"

	pkg "github.com/bt-bridge/tutor-session"
	"github.com/bt-bridge/tutor-session/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// CLIAgent runs one tutoring conversation from a terminal: microphone in,
// tutor speech out, transcripts printed as turns complete.
type CLIAgent struct {
	logger     shared.LoggerAdapter
	printer    *shared.Printer
	controller *pkg.Controller
	micTrack   mediadevices.Track
	done       chan struct{}
	doneOnce   sync.Once

	mu sync.Mutex
}

func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg pkg.Config,
	scenarioID, level string,
	userContext map[string]string,
	printer *shared.Printer,
) (<-chan struct{}, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	a.logger = logger
	a.printer = printer
	a.done = make(chan struct{})
	a.logger.Info("spawning CLI agent")
	if err := a.printer.Writeln("🎓 Spawning tutoring agent...\n", 0); err != nil {
		a.logger.Error("printing spawning message", err)
	}

	// Getting microphone access and stream
	if err := a.printer.Writeln("🎤 Accessing microphone...", 0); err != nil {
		a.logger.Error("printing microphone access message", err)
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		a.logger.Error("creating opus params", err)
		return nil, err
	}
	micStream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.SampleSize = prop.Int(16)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		a.logger.Error("getting microphone stream", err)
		if err := a.printer.Writeln("❌ Unable to access microphone. Please ensure that your microphone is connected and that you have granted permission to access it.\n", 0); err != nil {
			a.logger.Error("printing microphone access failure message", err)
		}
		return nil, err
	}
	if audioTracks := micStream.GetAudioTracks(); len(audioTracks) > 0 {
		a.micTrack = audioTracks[0]
	} else {
		a.logger.Error("no audio track found in microphone stream", errors.New("no audio track"))
		return nil, errors.New("no audio track found in microphone stream")
	}
	if err := a.printer.Writeln("✅ Microphone access granted.\n", 0); err != nil {
		a.logger.Error("printing microphone access success message", err)
	}

	// Wiring the transport factory: each session gets a fresh connection with
	// the microphone pump and speech drain registered on it.
	factory := pkg.WebRTCTransportFactory(cfg.Endpoint, func(cm *pkg.ConnectionManager) error {
		if err := cm.RegisterTrackLocalHandler(func(track *webrtc.TrackLocalStaticSample) {
			StreamLocalAudio(ctx, a.logger, track, a.micTrack, time.Duration(opusParams.Latency))
		}); err != nil {
			return err
		}
		return cm.RegisterTrackRemoteHandler(func(track *webrtc.TrackRemote) {
			a.logger.Info(
				"received remote track",
				zap.String("kind", track.Kind().String()),
				zap.String("codec", track.Codec().MimeType),
			)
			DrainRemoteAudio(ctx, a.logger, track, nil, a.controller.NotifyPlaybackComplete)
		})
	})

	var analytics pkg.Analytics
	if cfg.Analytics.URL != "" {
		analytics = pkg.NewHTTPAnalytics(a.logger, cfg.Analytics)
	}
	a.controller, err = pkg.NewController(a.logger, cfg, factory, analytics, nil)
	if err != nil {
		a.logger.Error("creating session controller", err)
		return nil, err
	}
	a.subscribe()

	ok, err := a.controller.StartSession(ctx, scenarioID, level, userContext)
	if err != nil {
		a.logger.Error("starting session", err)
		return nil, err
	}
	if !ok {
		return nil, errors.New("session start rejected")
	}
	if err := a.printer.Writeln("✅ Session started. Speak when ready.\n", 0); err != nil {
		a.logger.Error("printing session started message", err)
	}
	return a.done, nil
}

func (a *CLIAgent) subscribe() {
	a.controller.On(pkg.EventAISpeechStarted, func(evt pkg.BusEvent) {
		_ = a.printer.Writeln("🗣  Tutor is speaking...", 0)
	})
	a.controller.On(pkg.EventAISpeechEnded, func(evt pkg.BusEvent) {
		turn, ok := evt.Payload.(pkg.TurnPayload)
		if !ok {
			return
		}
		if turn.Transcript != "" {
			_ = a.printer.Writeln("💬 "+turn.Transcript, 1)
		}
		if turn.Forced {
			_ = a.printer.Writeln("⚠️  (turn was cut off at the ceiling)", 1)
		}
	})
	a.controller.On(pkg.EventError, func(evt pkg.BusEvent) {
		ep, ok := evt.Payload.(pkg.ErrorPayload)
		if !ok {
			return
		}
		_ = a.printer.Writeln("❌ "+string(ep.Kind)+": "+ep.Message, 0)
	})
	a.controller.On(pkg.EventSessionStopped, func(evt pkg.BusEvent) {
		_ = a.printer.Writeln("👋 Session ended.", 0)
		a.doneOnce.Do(func() { close(a.done) })
	})
}

// Done is closed once the session has fully stopped.
func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

// Close stops the session and releases the microphone.
func (a *CLIAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.controller != nil {
		a.controller.StopSession(context.Background())
	}
	if a.micTrack != nil {
		if err := a.micTrack.Close(); err != nil {
			return err
		}
		a.micTrack = nil
	}
	return nil
}
