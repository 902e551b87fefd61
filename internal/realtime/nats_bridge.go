package realtime

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

var (
	errMissingNATSURL     = errors.New("realtime: nats url is required")
	errMissingNATSSubject = errors.New("realtime: nats subject is required")
	errMissingLocalHub    = errors.New("realtime: local hub is required")
)

// NATSBridgeConfig configures the cross-instance change relay.
type NATSBridgeConfig struct {
	URL        string
	Subject    string
	Name       string
	InstanceID string
	Logger     *zap.Logger
}

type changeEnvelope struct {
	Origin string    `json:"origin"`
	Change RowChange `json:"change"`
}

type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSBridge relays row changes between service instances that share one database.
// Presence stays local to each instance.
type NATSBridge struct {
	local      Notifier
	publisher  natsPublisher
	conn       *nats.Conn
	sub        *nats.Subscription
	subject    string
	instanceID string
	logger     *zap.Logger
}

// NewNATSBridge connects to NATS and starts replaying remote changes into local.
func NewNATSBridge(cfg NATSBridgeConfig, local Notifier) (*NATSBridge, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errMissingNATSURL
	}
	if local == nil {
		return nil, errMissingLocalHub
	}
	name := cfg.Name
	if name == "" {
		name = "spatial-api"
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
	if err != nil {
		return nil, err
	}
	bridge, err := newNATSBridge(cfg, local, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	bridge.conn = conn
	sub, err := conn.Subscribe(bridge.subject, bridge.handleMessage)
	if err != nil {
		conn.Close()
		return nil, err
	}
	bridge.sub = sub
	return bridge, nil
}

func newNATSBridge(cfg NATSBridgeConfig, local Notifier, publisher natsPublisher) (*NATSBridge, error) {
	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		return nil, errMissingNATSSubject
	}
	if local == nil {
		return nil, errMissingLocalHub
	}
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSBridge{
		local:      local,
		publisher:  publisher,
		subject:    subject,
		instanceID: instanceID,
		logger:     logger,
	}, nil
}

// NotifyChange delivers change locally, then publishes it for other instances.
func (b *NATSBridge) NotifyChange(change RowChange) {
	b.local.NotifyChange(change)

	payload, err := json.Marshal(changeEnvelope{Origin: b.instanceID, Change: change})
	if err != nil {
		b.logger.Error("failed to encode change envelope", zap.String("table", change.Table), zap.Error(err))
		return
	}
	if err := b.publisher.Publish(b.subject, payload); err != nil {
		b.logger.Warn("failed to relay change", zap.String("table", change.Table), zap.Error(err))
	}
}

func (b *NATSBridge) handleMessage(msg *nats.Msg) {
	var envelope changeEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		b.logger.Warn("discarding malformed change envelope", zap.Error(err))
		return
	}
	if envelope.Origin == b.instanceID {
		return
	}
	b.local.NotifyChange(envelope.Change)
}

// Close drains the subscription and connection.
func (b *NATSBridge) Close() error {
	if b.sub != nil {
		_ = b.sub.Drain()
	}
	if b.conn != nil {
		return b.conn.Drain()
	}
	return nil
}
