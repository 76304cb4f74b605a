package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"

	"github.com/weiawesome/wes-io-talk/pkg/log"
)

var errNoMedia = errors.New("media not acquired")

// PionPeer is a Peer backed by a pion PeerConnection. Captured media is
// stood in for by static VP8 and Opus tracks; screen sharing swaps a second
// VP8 track onto the video sender.
type PionPeer struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	video       *webrtc.TrackLocalStaticSample
	screen      *webrtc.TrackLocalStaticSample
	videoSender *webrtc.RTPSender
	onState     func(ConnState)
	onCandidate func(json.RawMessage)
}

// NewPionPeer creates the peer connection with the default codecs and
// interceptors.
func NewPionPeer(iceServers []webrtc.ICEServer) (*PionPeer, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("pli interceptor: %w", err)
	}
	i.Add(pli)
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &PionPeer{pc: pc}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l := log.L()
		l.Debug().Str("state", state.String()).Msg("peer connection state")
		p.mu.Lock()
		fn := p.onState
		p.mu.Unlock()
		if fn != nil {
			go fn(connStateFromPion(state))
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		p.mu.Lock()
		fn := p.onCandidate
		p.mu.Unlock()
		if fn != nil {
			go fn(data)
		}
	})
	return p, nil
}

func connStateFromPion(state webrtc.PeerConnectionState) ConnState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnClosed
	default:
		return ConnNew
	}
}

func (p *PionPeer) AcquireMedia(ctx context.Context) error {
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "talk")
	if err != nil {
		return err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "talk")
	if err != nil {
		return err
	}
	screen, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "talk")
	if err != nil {
		return err
	}

	videoSender, err := p.pc.AddTrack(video)
	if err != nil {
		return fmt.Errorf("add video: %w", err)
	}
	audioSender, err := p.pc.AddTrack(audio)
	if err != nil {
		return fmt.Errorf("add audio: %w", err)
	}
	for _, sender := range []*webrtc.RTPSender{videoSender, audioSender} {
		go drainRTCP(sender)
	}

	p.mu.Lock()
	p.video = video
	p.screen = screen
	p.videoSender = videoSender
	p.mu.Unlock()
	return nil
}

// drainRTCP reads incoming RTCP so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *PionPeer) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

func (p *PionPeer) CreateAnswer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(offer, &desc); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

func (p *PionPeer) SetRemoteAnswer(ctx context.Context, answer json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(answer, &desc); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	return p.pc.SetRemoteDescription(desc)
}

func (p *PionPeer) Rollback(ctx context.Context) error {
	return p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (p *PionPeer) AddICECandidate(ctx context.Context, candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return p.pc.AddICECandidate(init)
}

func (p *PionPeer) SetScreenShare(ctx context.Context, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.videoSender == nil {
		return errNoMedia
	}
	track := p.video
	if on {
		track = p.screen
	}
	return p.videoSender.ReplaceTrack(track)
}

func (p *PionPeer) OnConnectionState(fn func(ConnState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *PionPeer) OnICECandidate(fn func(json.RawMessage)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

func (p *PionPeer) Close() error {
	return p.pc.Close()
}
