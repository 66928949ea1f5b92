// internal/backend/types.go
package backend

// Protocol is the transport a server port speaks.
type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolHTTPS  Protocol = "https"
	ProtocolTCP    Protocol = "tcp"
	ProtocolTCPTLS Protocol = "tcp_tls"
	ProtocolUDP    Protocol = "udp"
)

// Routing says how traffic reaches a port.
type Routing string

const (
	RoutingGameGuard Routing = "game-guard"
	RoutingHost      Routing = "host"
)

// Port is both a requested port (protocol, internal port, routing) and, once
// the provisioning service has bound it, a reachable address.
type Port struct {
	Protocol     Protocol `json:"protocol" yaml:"protocol"`
	InternalPort int      `json:"internalPort,omitempty" yaml:"internalPort,omitempty"`
	Hostname     string   `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	Port         int      `json:"port,omitempty" yaml:"port,omitempty"`
	Routing      Routing  `json:"routing,omitempty" yaml:"routing,omitempty"`
}

// Bound reports whether the port has a public hostname and port.
func (p Port) Bound() bool {
	return p.Hostname != "" && p.Port > 0
}

// Live is the descriptor of a server as the provisioning service sees it.
type Live struct {
	RemoteID string          `json:"id"`
	Region   string          `json:"region"`
	Ports    map[string]Port `json:"ports"`
}

// Resolved reports whether every port is bound.
func (l *Live) Resolved() bool {
	if l == nil {
		return false
	}
	for _, p := range l.Ports {
		if !p.Bound() {
			return false
		}
	}
	return true
}

// Clone deep copies the descriptor.
func (l *Live) Clone() *Live {
	if l == nil {
		return nil
	}
	out := &Live{RemoteID: l.RemoteID, Region: l.Region, Ports: make(map[string]Port, len(l.Ports))}
	for name, p := range l.Ports {
		out.Ports[name] = p
	}
	return out
}

// Status is the outcome of a single poll.
type Status int

const (
	StatusPending Status = iota
	StatusResolved
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusResolved:
		return "resolved"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// PollResult carries whatever the service reported. Live may be partial when
// Status is StatusPending.
type PollResult struct {
	Status Status
	Live   *Live
}

func clonePorts(ports map[string]Port) map[string]Port {
	out := make(map[string]Port, len(ports))
	for name, p := range ports {
		out[name] = p
	}
	return out
}
