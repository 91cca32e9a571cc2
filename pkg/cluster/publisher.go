package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultHeartbeatInterval is the publish period when none is configured.
const DefaultHeartbeatInterval = 60 * time.Second

// HostInfo identifies the node in its heartbeat.
type HostInfo struct {
	Hostname string
	IP       string
}

// LocalHostInfo resolves the hostname and first non-loopback address.
func LocalHostInfo() HostInfo {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return HostInfo{Hostname: host, IP: firstNonLoopbackIP()}
}

func firstNonLoopbackIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	var v6 string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
		if v6 == "" {
			v6 = ipNet.IP.String()
		}
	}
	return v6
}

// PublisherConfig configures a Publisher. Zero values fall back to defaults.
type PublisherConfig struct {
	ServerID string
	Interval time.Duration
	Host     func() HostInfo
	Now      func() time.Time
	Logger   *zap.Logger
}

// Publisher writes this node's heartbeat on a fixed period. Each publisher
// owns one heartbeat UUID and overwrites that record every cycle.
type Publisher struct {
	store       HeartbeatStore
	exec        ExecutionStateProvider
	serverID    string
	heartbeatID uuid.UUID
	interval    time.Duration
	host        func() HostInfo
	now         func() time.Time
	logger      *zap.Logger

	published atomic.Int64
	failures  atomic.Int64
}

func NewPublisher(store HeartbeatStore, exec ExecutionStateProvider, cfg PublisherConfig) *Publisher {
	p := &Publisher{
		store:       store,
		exec:        exec,
		serverID:    strings.TrimSpace(cfg.ServerID),
		heartbeatID: uuid.New(),
		interval:    cfg.Interval,
		host:        cfg.Host,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
	if p.interval <= 0 {
		p.interval = DefaultHeartbeatInterval
	}
	if p.host == nil {
		p.host = LocalHostInfo
	}
	if p.now == nil {
		p.now = func() time.Time { return time.Now().UTC() }
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

func (p *Publisher) HeartbeatID() uuid.UUID {
	return p.heartbeatID
}

// Published returns how many heartbeats were written successfully.
func (p *Publisher) Published() int64 {
	return p.published.Load()
}

// Failures returns how many publish cycles failed.
func (p *Publisher) Failures() int64 {
	return p.failures.Load()
}

// PublishOnce writes one heartbeat.
func (p *Publisher) PublishOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	now := p.now()
	host := p.host()
	member := ClusterMember{
		Hostname:           host.Hostname,
		IP:                 host.IP,
		HeartBeatTimestamp: now,
	}
	if p.exec != nil {
		member.ExecutionState = p.exec.ExecutionState(ctx)
	}

	data, err := json.Marshal(member)
	if err != nil {
		p.failures.Add(1)
		return fmt.Errorf("marshal cluster member: %w", err)
	}

	hb := &Heartbeat{
		UUID:              p.heartbeatID,
		ServerID:          p.serverID,
		Updated:           now,
		ClusterMemberData: string(data),
	}
	if err := p.store.Save(ctx, hb); err != nil {
		p.failures.Add(1)
		return fmt.Errorf("save heartbeat: %w", err)
	}
	p.published.Add(1)
	return nil
}

// Run publishes immediately and then every interval until ctx is done.
// Publish failures are logged; the next cycle simply tries again.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("Starting heartbeat publisher",
		zap.String("server_id", p.serverID),
		zap.String("heartbeat_uuid", p.heartbeatID.String()),
		zap.Duration("interval", p.interval))

	p.publish(ctx)

	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.publish(ctx)
		}
	}
}

// Start runs the publisher in a goroutine and returns a function that stops
// it and waits for the loop to exit.
func (p *Publisher) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = p.Run(ctx)
	}()
	return func() {
		cancel()
		<-stopped
	}
}

func (p *Publisher) publish(ctx context.Context) {
	if err := p.PublishOnce(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("Heartbeat publish failed", zap.Error(err))
	}
}
