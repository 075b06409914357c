// Package management implements the SDP registry / management socket (spec
// §4.J): a UDP listener accepting agent registrations, an expiry sweep that
// evicts stale agents, and an outbound push of SDP sessions to every
// RTP-enabled agent.
//
// The inbound decode-and-dispatch shape is adapted from
// internal/command/uds_server.go's JSON-decode-dispatch idiom, reframed from
// Unix-domain-socket line framing to UDP datagram framing (spec §6 requires
// UDP specifically, and a datagram is already a whole message — no scanner
// needed). The outbound per-agent UDP send is adapted from
// plugins/reporter/hep/hep.go's pre-dialed-connection-per-destination idiom.
package management

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"firestige.xyz/otus/internal/bus"
	"firestige.xyz/otus/internal/log"
	"firestige.xyz/otus/internal/metrics"
	"firestige.xyz/otus/internal/model"
	"firestige.xyz/otus/internal/persistence"
)

// Bus is the subset of *bus.Bus the registry needs.
type Bus interface {
	Subscribe(ctx context.Context, topic string, handler bus.Handler) (func(), error)
}

// datagram is the inbound {type, payload} envelope spec §6 describes, plus
// the UDP source address it arrived from — the register payload carries no
// callback URI of its own, so the source address of the register datagram
// is the agent's reply address for later SDP pushes.
type datagram struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	from    *net.UDPAddr
}

// registerPayload is the body of a "register" datagram.
type registerPayload struct {
	Timestamp int64  `json:"timestamp"`
	Name      string `json:"name"`
	Config    struct {
		Host json.RawMessage `json:"host"`
		RTP  *struct {
			Enabled bool `json:"enabled"`
		} `json:"rtp"`
	} `json:"config"`
}

// sdpPush is the outbound {type, payload} envelope for a pushed session.
type sdpPush struct {
	Type    string          `json:"type"`
	Payload model.SdpSession `json:"payload"`
}

// Registry owns the agent map on a single goroutine, per the no-lock
// ownership model every aggregator in this core follows.
type Registry struct {
	uri               string
	expirationDelay   time.Duration
	expirationTimeout time.Duration

	bus  Bus
	sink persistence.Sink

	conn *net.UDPConn

	agents         map[string]*model.RemoteHost
	agentConns     map[string]*net.UDPConn
	seenHosts      map[string]struct{}
	sendSdpSessions bool

	// ready carries the bound address once Run's listener is up — tests use
	// this to discover the ephemeral port when uri ends in ":0".
	ready chan *net.UDPAddr
}

// New creates a Registry listening on uri ("host:port").
func New(b Bus, sink persistence.Sink, uri string, expirationDelay, expirationTimeout time.Duration) *Registry {
	if expirationDelay <= 0 {
		expirationDelay = 60 * time.Second
	}
	if expirationTimeout <= 0 {
		expirationTimeout = 120 * time.Second
	}
	return &Registry{
		uri:               uri,
		expirationDelay:   expirationDelay,
		expirationTimeout: expirationTimeout,
		bus:               b,
		sink:              sink,
		agents:            make(map[string]*model.RemoteHost),
		agentConns:        make(map[string]*net.UDPConn),
		seenHosts:         make(map[string]struct{}),
		ready:             make(chan *net.UDPAddr, 1),
	}
}

// Addr blocks until Run's listener is bound and returns its address. Used by
// tests to discover the ephemeral port when uri ends in ":0".
func (r *Registry) Addr(ctx context.Context) (*net.UDPAddr, error) {
	select {
	case addr := <-r.ready:
		r.ready <- addr
		return addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run opens the UDP socket, subscribes to sdp_info, and drives the single
// owning goroutine until ctx is canceled.
func (r *Registry) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", r.uri)
	if err != nil {
		return fmt.Errorf("management: resolve %q: %w", r.uri, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("management: listen %q: %w", r.uri, err)
	}
	r.conn = conn
	defer conn.Close()
	r.ready <- conn.LocalAddr().(*net.UDPAddr)

	inbox := make(chan datagram, 256)
	go r.readLoop(ctx, conn, inbox)

	sdpInbox := make(chan []model.SdpSession, 16)
	unsub, err := r.bus.Subscribe(ctx, "sdp_info", func(_ context.Context, msg any) (any, error) {
		sessions, ok := msg.([]model.SdpSession)
		if !ok {
			return nil, nil
		}
		select {
		case sdpInbox <- sessions:
		default:
			log.GetLogger().Warn("management: sdp inbox full, dropping sdp_info batch")
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	defer unsub()

	ticker := time.NewTicker(r.expirationDelay)
	defer ticker.Stop()

	log.GetLogger().WithField("uri", r.uri).Info("management: listening")

	for {
		select {
		case <-ctx.Done():
			r.closeAgentConns()
			return nil
		case dg := <-inbox:
			r.handle(dg)
		case sessions := <-sdpInbox:
			r.pushSessions(sessions)
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) readLoop(ctx context.Context, conn *net.UDPConn, inbox chan<- datagram) {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.GetLogger().WithError(err).Debug("management: read error")
			continue
		}
		var dg datagram
		if err := json.Unmarshal(buf[:n], &dg); err != nil {
			log.GetLogger().WithError(err).Debug("management: malformed datagram, dropping")
			continue
		}
		dg.from = remote
		select {
		case inbox <- dg:
		default:
			log.GetLogger().Warn("management: inbox full, dropping datagram")
		}
	}
}

func (r *Registry) handle(dg datagram) {
	if dg.Type != "register" {
		log.GetLogger().WithField("type", dg.Type).Debug("management: unknown datagram type, dropping")
		return
	}

	var payload registerPayload
	if err := json.Unmarshal(dg.Payload, &payload); err != nil {
		log.GetLogger().WithError(err).Debug("management: malformed register payload, dropping")
		return
	}
	if payload.Name == "" {
		return
	}

	agent, exists := r.agents[payload.Name]
	if !exists {
		agent = &model.RemoteHost{Name: payload.Name}
		r.agents[payload.Name] = agent
		log.GetLogger().WithField("agent", payload.Name).Info("management: agent registered")

		if len(payload.Config.Host) > 0 && len(payload.Config.Host) > len("null") {
			if _, seen := r.seenHosts[payload.Name]; !seen {
				r.seenHosts[payload.Name] = struct{}{}
				var host map[string]any
				if err := json.Unmarshal(payload.Config.Host, &host); err == nil {
					doc := persistence.Document{"name": payload.Name}
					for k, v := range host {
						doc[k] = v
					}
					if err := r.sink.Send("hosts", doc); err != nil {
						metrics.PersistenceErrorsTotal.WithLabelValues("hosts").Inc()
					}
				}
			}
		}
	}

	if payload.Config.RTP != nil {
		agent.RTPEnabled = payload.Config.RTP.Enabled
	}
	if agent.RTPEnabled {
		r.sendSdpSessions = true
	}
	if dg.from != nil {
		if uri := dg.from.String(); uri != agent.URI {
			agent.URI = uri
			if conn, ok := r.agentConns[payload.Name]; ok {
				conn.Close()
				delete(r.agentConns, payload.Name)
			}
		}
	}
	agent.LastUpdate = time.Now()
}

func (r *Registry) sweep() {
	now := time.Now()
	for name, agent := range r.agents {
		if now.Sub(agent.LastUpdate) <= r.expirationTimeout {
			continue
		}
		delete(r.agents, name)
		delete(r.seenHosts, name)
		if conn, ok := r.agentConns[name]; ok {
			conn.Close()
			delete(r.agentConns, name)
		}
		log.GetLogger().WithField("agent", name).Info("management: agent evicted")
	}

	r.sendSdpSessions = false
	for _, agent := range r.agents {
		if agent.RTPEnabled {
			r.sendSdpSessions = true
			break
		}
	}
}

// pushSessions sends each session to every RTP-enabled agent, per spec
// §4.J. Send failures are logged, not retried.
func (r *Registry) pushSessions(sessions []model.SdpSession) {
	if !r.sendSdpSessions {
		return
	}
	for name, agent := range r.agents {
		if !agent.RTPEnabled {
			continue
		}
		conn, err := r.dialAgent(name, agent)
		if err != nil {
			log.GetLogger().WithField("agent", name).WithError(err).Warn("management: dial failed")
			metrics.ManagementSendErrorsTotal.WithLabelValues(name).Inc()
			continue
		}
		for _, session := range sessions {
			frame, err := json.Marshal(sdpPush{Type: "sdp_session", Payload: session})
			if err != nil {
				continue
			}
			if _, err := conn.Write(frame); err != nil {
				log.GetLogger().WithField("agent", name).WithError(err).Warn("management: send failed")
				metrics.ManagementSendErrorsTotal.WithLabelValues(name).Inc()
			}
		}
	}
}

func (r *Registry) dialAgent(name string, agent *model.RemoteHost) (*net.UDPConn, error) {
	if conn, ok := r.agentConns[name]; ok {
		return conn, nil
	}
	if agent.URI == "" {
		return nil, fmt.Errorf("agent %s has no registered URI", name)
	}
	addr, err := net.ResolveUDPAddr("udp", agent.URI)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	r.agentConns[name] = conn
	return conn, nil
}

func (r *Registry) closeAgentConns() {
	for _, conn := range r.agentConns {
		conn.Close()
	}
}
