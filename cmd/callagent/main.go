// Command callagent joins a call as a headless participant. It negotiates
// real WebRTC links with synthetic media against every other participant
// and logs each link's state transitions, which makes it useful for
// checking signaling and TURN/STUN reachability of a deployment.
package main

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/weiawesome/wes-io-talk/internal/call"
	"github.com/weiawesome/wes-io-talk/internal/domain"
	pkglog "github.com/weiawesome/wes-io-talk/pkg/log"
)

func main() {
	flags := pflag.NewFlagSet("callagent", pflag.ExitOnError)
	flags.String("server", "ws://localhost:8080/ws", "chat gateway websocket URL")
	flags.String("token", "", "access token of the probing participant")
	flags.String("topology", string(domain.TopologyDirect), "call topology: direct or mesh")
	flags.String("call-id", "", "call to join; the id of the room it belongs to")
	flags.String("name", "callagent", "display name")
	flags.StringSlice("ice", []string{"stun:stun.l.google.com:19302"}, "ICE server URLs")
	flags.Duration("connect-timeout", 30*time.Second, "per-link connectivity deadline")
	flags.Duration("duration", 0, "leave after this long; 0 waits for a signal")
	flags.String("log-level", "info", "log level")
	flags.Parse(os.Args[1:])

	v := viper.New()
	v.SetEnvPrefix("CALLAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to bind flags")
	}

	pkglog.Init(pkglog.Config{Level: v.GetString("log-level"), Format: "console", ServiceName: "callagent"})
	logger := pkglog.L()

	token := v.GetString("token")
	if token == "" {
		logger.Fatal().Msg("--token is required")
	}
	ref := domain.CallRef{Topology: domain.Topology(v.GetString("topology")), CallID: v.GetString("call-id")}
	if ref.CallID == "" {
		logger.Fatal().Msg("--call-id is required")
	}

	ctx, cancel := signal.NotifyContext(pkglog.WithLogger(context.Background(), logger), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if d := v.GetDuration("duration"); d > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, d)
		defer stop()
	}

	conn, err := dial(v.GetString("server"), token)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect")
	}
	defer conn.Close()

	p := &agent{conn: conn, ref: ref, iceServers: []webrtc.ICEServer{{URLs: v.GetStringSlice("ice")}}}
	if err := p.run(ctx, v.GetString("name"), v.GetDuration("connect-timeout")); err != nil {
		logger.Error().Err(err).Msg("agent stopped")
		os.Exit(1)
	}
}

func dial(server, token string) (*websocket.Conn, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	return conn, err
}

type agent struct {
	conn       *websocket.Conn
	ref        domain.CallRef
	iceServers []webrtc.ICEServer

	writeMu sync.Mutex
	userID  string
	joined  bool
	mesh    *call.Mesh
}

func (p *agent) write(v interface{}) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(v)
}

func (p *agent) Signal(ctx context.Context, env *domain.SignalEnvelope) error {
	return p.write(&domain.CallSignalMessage{
		Type:     domain.MsgTypeCallSignal,
		Topology: p.ref.Topology,
		Kind:     env.Kind,
		CallID:   p.ref.CallID,
		To:       env.To,
		Payload:  env.Payload,
	})
}

func (p *agent) run(ctx context.Context, name string, connectTimeout time.Duration) error {
	l := pkglog.Ctx(ctx)

	events := make(chan []byte, 64)
	readErr := make(chan error, 1)
	go func() {
		defer close(events)
		for {
			_, data, err := p.conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			events <- data
		}
	}()

	for {
		select {
		case <-ctx.Done():
			p.leave(context.Background())
			return nil
		case err := <-readErr:
			return err
		case data, ok := <-events:
			if !ok {
				return <-readErr
			}
			done, err := p.handle(ctx, data, name, connectTimeout)
			if err != nil {
				l.Warn().Err(err).Msg("event handling failed")
			}
			if done {
				return nil
			}
		}
	}
}

func (p *agent) handle(ctx context.Context, data []byte, name string, connectTimeout time.Duration) (bool, error) {
	l := pkglog.Ctx(ctx)

	var base domain.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return false, err
	}

	switch base.Type {
	case domain.MsgTypeAuthResult:
		var msg domain.AuthResultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, err
		}
		if !msg.Success {
			l.Error().Str("reason", msg.Message).Msg("authentication rejected")
			return true, nil
		}
		p.userID = msg.UserID
		p.mesh = call.NewMesh(p.ref, p.userID, func() (call.Peer, error) {
			return call.NewPionPeer(p.iceServers)
		}, p, connectTimeout)
		p.mesh.OnLink(func(remoteID string, s *call.Session) {
			s.OnStateChange(func(t call.Transition) {
				ev := l.Info()
				if t.Err != nil {
					ev = l.Warn().Err(t.Err)
				}
				ev.Str("remote", remoteID).Str("from", string(t.From)).Str("to", string(t.To)).Str("reason", t.Reason).Msg("link state")
			})
		})
		l.Info().Str(pkglog.FieldUserID, p.userID).Msg("authenticated")
		return false, p.write(&domain.CallJoinMessage{Type: domain.MsgTypeCallJoin, Topology: p.ref.Topology, CallID: p.ref.CallID, Name: name})

	case domain.MsgTypeCallJoined:
		var msg domain.CallJoinedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, err
		}
		p.joined = true
		l.Info().Str(pkglog.FieldCallID, p.ref.CallID).Str("state", string(msg.Session.State)).Int("participants", len(msg.Session.Participants)).Msg("joined call")

	case domain.MsgTypeParticipantJoined:
		var msg domain.ParticipantJoinedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, err
		}
		l.Info().Str("remote", msg.Participant.UserID).Msg("participant joined; offering")
		return false, p.mesh.ParticipantJoined(ctx, msg.Participant.UserID)

	case domain.MsgTypeCallSignal:
		var msg domain.CallSignalOut
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, err
		}
		return false, p.mesh.HandleSignal(ctx, &msg.SignalEnvelope)

	case domain.MsgTypeParticipantLeft:
		var msg domain.ParticipantLeftMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, err
		}
		p.mesh.ParticipantLeft(msg.UserID)
		l.Info().Str("remote", msg.UserID).Msg("participant left")

	case domain.MsgTypeCallEnded, domain.MsgTypeCallLeft:
		if p.mesh != nil {
			p.mesh.CallEnded()
		}
		l.Info().Str("event", base.Type).Msg("call over")
		return true, nil

	case domain.MsgTypeError:
		var msg domain.ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, err
		}
		l.Warn().Str("code", msg.Code).Str("message", msg.Message).Msg("server error")
		if !p.joined {
			// The join itself was rejected.
			return true, nil
		}
	}
	return false, nil
}

func (p *agent) leave(ctx context.Context) {
	if p.mesh == nil {
		return
	}
	p.mesh.Hangup(ctx)
	p.write(&domain.CallLeaveMessage{Type: domain.MsgTypeCallLeave, Topology: p.ref.Topology, CallID: p.ref.CallID})
}
