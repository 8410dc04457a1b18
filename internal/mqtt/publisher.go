package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/huddle/internal/config"
)

// StatsSource provides live runtime values. The adapter is wired in
// main so this package does not import the cache or supervisor.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	// CacheHitRatio is hits/(hits+misses) in [0,1].
	CacheHitRatio() float64
	// CacheDegraded reports whether the networked cache tier is down.
	CacheDegraded() bool
	// QueueDepth is the number of background jobs waiting.
	QueueDepth() int
}

// Publisher owns the broker connection and the periodic state loop.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	counters   *Counters
	stats      StatsSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start].
func New(cfg config.MQTTConfig, instanceID string, counters *Counters, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		counters:   counters,
		stats:      stats,
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects and runs the publish loop until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "huddle-" + p.cfg.DeviceName,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Used as a connwatch probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

func (p *Publisher) baseTopic() string {
	return p.cfg.TopicPrefix + "/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

type sensorDef struct {
	entity string
	name   string
	icon   string
	unit   string
	class  string
	diag   bool
}

var sensors = []sensorDef{
	{entity: "uptime", name: "Uptime", icon: "mdi:clock-outline", diag: true},
	{entity: "version", name: "Version", icon: "mdi:tag", diag: true},
	{entity: "turns_today", name: "Turns Today", icon: "mdi:chat-processing", unit: "turns", class: "total_increasing"},
	{entity: "failed_turns_today", name: "Failed Turns Today", icon: "mdi:chat-alert", unit: "turns", class: "total_increasing"},
	{entity: "checkpoints_today", name: "Checkpoints Today", icon: "mdi:flag-checkered", class: "total_increasing"},
	{entity: "cache_hit_ratio", name: "Cache Hit Ratio", icon: "mdi:database-check", unit: "%", class: "measurement"},
	{entity: "cache_degraded", name: "Cache Degraded", icon: "mdi:database-alert", diag: true},
	{entity: "degraded_today", name: "Cache Degradations Today", icon: "mdi:database-alert", class: "total_increasing", diag: true},
	{entity: "save_failures_today", name: "Save Failures Today", icon: "mdi:content-save-alert", class: "total_increasing", diag: true},
	{entity: "queue_depth", name: "Background Queue", icon: "mdi:tray-full", unit: "jobs", class: "measurement"},
	{entity: "jobs_dropped_today", name: "Jobs Dropped Today", icon: "mdi:tray-remove", class: "total_increasing", diag: true},
	{entity: "last_turn", name: "Last Turn", icon: "mdi:clock-check", diag: true},
}

// sensorConfigs returns the discovery payloads keyed by entity.
func (p *Publisher) sensorConfigs() map[string]SensorConfig {
	out := make(map[string]SensorConfig, len(sensors))
	for _, s := range sensors {
		sc := SensorConfig{
			Name:              s.name,
			ObjectID:          s.entity,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + s.entity,
			StateTopic:        p.stateTopic(s.entity),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              s.icon,
			UnitOfMeasurement: s.unit,
			StateClass:        s.class,
		}
		if s.diag {
			sc.EntityCategory = "diagnostic"
		}
		out[s.entity] = sc
	}
	return out
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.cfg.DiscoveryPrefix == "" {
		return
	}
	for entity, sc := range p.sensorConfigs() {
		topic := p.discoveryTopic("sensor", entity)
		payload, err := json.Marshal(sc)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", entity, "error", err)
			continue
		}
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", entity, "topic", topic, "error", err)
		}
	}
	p.logger.Debug("mqtt discovery published", "sensors", len(sensors))
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) runLoop(ctx context.Context) {
	interval := p.cfg.PublishInterval.Std()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// stateValues renders every sensor's current state.
func (p *Publisher) stateValues() map[string]string {
	snap := p.counters.Snapshot()
	states := map[string]string{
		"uptime":              p.stats.Uptime().Truncate(time.Second).String(),
		"version":             p.stats.Version(),
		"turns_today":         strconv.FormatInt(snap.Turns, 10),
		"failed_turns_today":  strconv.FormatInt(snap.FailedTurns, 10),
		"checkpoints_today":   strconv.FormatInt(snap.Checkpoints, 10),
		"cache_hit_ratio":     strconv.FormatFloat(p.stats.CacheHitRatio()*100, 'f', 1, 64),
		"cache_degraded":      strconv.FormatBool(p.stats.CacheDegraded()),
		"degraded_today":      strconv.FormatInt(snap.Degraded, 10),
		"save_failures_today": strconv.FormatInt(snap.SaveFailures, 10),
		"queue_depth":         strconv.Itoa(p.stats.QueueDepth()),
		"jobs_dropped_today":  strconv.FormatInt(snap.JobsDropped, 10),
		"last_turn":           "never",
	}
	if !snap.LastTurn.IsZero() {
		states["last_turn"] = snap.LastTurn.Format(time.RFC3339)
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}
	states := p.stateValues()
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
