// internal/backend/remote_fleet.go
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RemoteFleetConfig points the adapter at a provisioning service.
type RemoteFleetConfig struct {
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
	// Build is forwarded on create so the service knows which image to run.
	Build string `yaml:"build"`
	// RequestsPerSecond caps calls to the service; zero means unlimited.
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`

	HTTPClient *http.Client `yaml:"-"`
}

// RemoteFleet talks JSON over HTTP to a provisioning service:
//
//	POST   {endpoint}/servers       create, returns {"server":{"id":...}}
//	GET    {endpoint}/servers/{id}  poll
//	DELETE {endpoint}/servers/{id}  destroy
type RemoteFleet struct {
	endpoint string
	token    string
	build    string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewRemoteFleet validates cfg and returns the adapter.
func NewRemoteFleet(cfg RemoteFleetConfig) (*RemoteFleet, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("remote fleet endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid remote fleet endpoint: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RemoteFleet{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		token:    cfg.Token,
		build:    cfg.Build,
		client:   client,
		limiter:  newLimiter(cfg.RequestsPerSecond, cfg.Burst),
	}, nil
}

func newLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (rf *RemoteFleet) Kind() Kind { return KindRemoteFleet }

type fleetPort struct {
	Protocol     Protocol `json:"protocol"`
	InternalPort *int     `json:"internalPort,omitempty"`
	Hostname     *string  `json:"hostname,omitempty"`
	Port         *int     `json:"port,omitempty"`
	Routing      Routing  `json:"routing,omitempty"`
}

type fleetNetwork struct {
	Ports map[string]fleetPort `json:"ports"`
}

type fleetServer struct {
	ID          string            `json:"id"`
	Region      string            `json:"region"`
	Tags        map[string]string `json:"tags,omitempty"`
	Network     *fleetNetwork     `json:"network,omitempty"`
	CreatedAt   int64             `json:"createdAt,omitempty"`
	DestroyedAt *int64            `json:"destroyedAt,omitempty"`
}

type createServerBody struct {
	Region  string            `json:"region"`
	Tags    map[string]string `json:"tags"`
	Build   string            `json:"build,omitempty"`
	Network fleetNetwork      `json:"network"`
}

type serverEnvelope struct {
	Server *fleetServer `json:"server"`
}

func (rf *RemoteFleet) CreateServer(ctx context.Context, req CreateServerRequest) (string, error) {
	body := createServerBody{
		Region:  req.Region,
		Tags:    map[string]string{},
		Build:   rf.build,
		Network: fleetNetwork{Ports: make(map[string]fleetPort, len(req.Ports))},
	}
	for k, v := range req.Tags {
		body.Tags[k] = v
	}
	body.Tags["lobby_id"] = req.LobbyID
	body.Tags["server_id"] = req.ServerID
	if req.Version != "" {
		body.Tags["version"] = req.Version
	}
	for name, p := range req.Ports {
		fp := fleetPort{Protocol: p.Protocol, Routing: p.Routing}
		if p.InternalPort > 0 {
			internal := p.InternalPort
			fp.InternalPort = &internal
		}
		body.Network.Ports[name] = fp
	}

	var env serverEnvelope
	status, err := rf.do(ctx, http.MethodPost, "/servers", body, &env)
	if err != nil {
		return "", err
	}
	if status >= 400 {
		return "", fmt.Errorf("%w: create server returned %d", ErrRejected, status)
	}
	if env.Server == nil || env.Server.ID == "" {
		return "", fmt.Errorf("%w: create server response missing id", ErrBackendUnavailable)
	}

	log.WithFields(log.Fields{
		"server_id": req.ServerID,
		"remote_id": env.Server.ID,
		"region":    req.Region,
	}).Debug("remote fleet accepted server create")
	return env.Server.ID, nil
}

func (rf *RemoteFleet) PollServer(ctx context.Context, remoteID string) (PollResult, error) {
	var env serverEnvelope
	status, err := rf.do(ctx, http.MethodGet, "/servers/"+url.PathEscape(remoteID), nil, &env)
	if err != nil {
		return PollResult{}, err
	}
	switch {
	case status == http.StatusNotFound:
		return PollResult{Status: StatusTerminated}, nil
	case status >= 400:
		return PollResult{}, fmt.Errorf("%w: poll server returned %d", ErrBackendUnavailable, status)
	}
	if env.Server == nil {
		return PollResult{Status: StatusPending}, nil
	}
	if env.Server.DestroyedAt != nil {
		return PollResult{Status: StatusTerminated}, nil
	}

	live := &Live{
		RemoteID: env.Server.ID,
		Region:   env.Server.Region,
		Ports:    map[string]Port{},
	}
	if live.RemoteID == "" {
		live.RemoteID = remoteID
	}
	if env.Server.Network == nil {
		// Network not allocated yet.
		return PollResult{Status: StatusPending, Live: live}, nil
	}
	for name, fp := range env.Server.Network.Ports {
		p := Port{Protocol: fp.Protocol, Routing: fp.Routing}
		if fp.InternalPort != nil {
			p.InternalPort = *fp.InternalPort
		}
		if fp.Hostname != nil {
			p.Hostname = *fp.Hostname
		}
		if fp.Port != nil {
			p.Port = *fp.Port
		}
		live.Ports[name] = p
	}
	if !live.Resolved() {
		return PollResult{Status: StatusPending, Live: live}, nil
	}
	return PollResult{Status: StatusResolved, Live: live}, nil
}

func (rf *RemoteFleet) DestroyServer(ctx context.Context, remoteID string) error {
	status, err := rf.do(ctx, http.MethodDelete, "/servers/"+url.PathEscape(remoteID), nil, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound || status < 300 {
		return nil
	}
	return fmt.Errorf("%w: destroy server returned %d", ErrRejected, status)
}

// do sends one request and decodes a 2xx JSON body into out. Transport
// failures and 5xx responses are reported as ErrBackendUnavailable; other
// statuses are returned to the caller to interpret.
func (rf *RemoteFleet) do(ctx context.Context, method, path string, in, out any) (int, error) {
	if err := rf.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("%w: %s %s: rate limited: %v", ErrBackendUnavailable, method, path, err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rf.endpoint+path, body)
	if err != nil {
		return 0, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if rf.token != "" {
		req.Header.Set("Authorization", "Bearer "+rf.token)
	}

	resp, err := rf.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s: %v", ErrBackendUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return resp.StatusCode, fmt.Errorf("%w: %s %s returned %d", ErrBackendUnavailable, method, path, resp.StatusCode)
	}
	if resp.StatusCode >= 300 || out == nil {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return resp.StatusCode, fmt.Errorf("%w: decode %s %s: %v", ErrBackendUnavailable, method, path, err)
	}
	return resp.StatusCode, nil
}
