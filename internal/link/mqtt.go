package link

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/LeoCommon/rtt-drone/pkg/log"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"go.uber.org/zap"
)

const (
	mqttUplinkSuffix   = "/up"
	mqttDownlinkSuffix = "/down"

	mqttQoS              = 1
	mqttDisconnectTimout = 2 * time.Second
	mqttPublishTimeout   = 10 * time.Second
	mqttInboundBuffer    = 32
)

// MQTTDialer uses an MQTT broker as the radio, frames are published to
// <prefix>/up and received from <prefix>/down
type MQTTDialer struct {
	BrokerURL      string
	TopicPrefix    string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      uint16
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
}

func (d *MQTTDialer) String() string {
	return fmt.Sprintf("mqtt(%s %s)", d.BrokerURL, d.TopicPrefix)
}

func (d *MQTTDialer) Dial(ctx context.Context) (Conn, error) {
	brokerURL, err := url.Parse(d.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}

	keepAlive := d.KeepAlive
	if keepAlive == 0 {
		keepAlive = 20
	}
	connectTimeout := d.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	reconnectDelay := d.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 3 * time.Second
	}

	c := &mqttConn{
		up:      d.TopicPrefix + mqttUplinkSuffix,
		down:    d.TopicPrefix + mqttDownlinkSuffix,
		inbound: make(chan []byte, mqttInboundBuffer),
		closed:  make(chan struct{}),
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     keepAlive,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         0,
		ReconnectBackoff:              autopaho.NewConstantBackoff(reconnectDelay),
		ConnectTimeout:                connectTimeout,
		ConnectUsername:               d.Username,
		ConnectPassword:               []byte(d.Password),
		ClientConfig: paho.ClientConfig{
			ClientID: d.ClientID,
			OnClientError: func(err error) {
				log.Error("mqtt client error", zap.Error(err))
			},
			OnServerDisconnect: func(p *paho.Disconnect) {
				log.Warn("mqtt server requested disconnect", zap.Uint8("reason", p.ReasonCode))
			},
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				c.received,
			},
		},
		OnConnectionUp: c.onConnectionUp,
		OnConnectError: func(err error) {
			log.Warn("mqtt connection failed, retrying", zap.Error(err))
		},
	}

	// The connection manager lives until Close, not until ctx is done
	cm, err := autopaho.NewConnection(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	c.cm = cm

	if err = cm.AwaitConnection(ctx); err != nil {
		c.shutdown()
		return nil, err
	}

	log.Info("mqtt link connected", zap.String("broker", d.BrokerURL), zap.String("downlink", c.down))
	return c, nil
}

type mqttConn struct {
	cm   *autopaho.ConnectionManager
	up   string
	down string

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// onConnectionUp (re)subscribes the downlink, the session is not persisted by the broker
func (c *mqttConn) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: c.down, QoS: mqttQoS},
		},
	}); err != nil {
		log.Error("failed to subscribe to the downlink", zap.String("topic", c.down), zap.Error(err))
	}
}

func (c *mqttConn) received(p paho.PublishReceived) (bool, error) {
	if p.Packet.Topic != c.down {
		return false, nil
	}

	frame := append([]byte(nil), p.Packet.Payload...)
	select {
	case c.inbound <- frame:
	case <-c.closed:
	}
	return true, nil
}

func (c *mqttConn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *mqttConn) WriteFrame(frame []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), mqttPublishTimeout)
	defer cancel()

	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   c.up,
		QoS:     mqttQoS,
		Payload: frame,
	})
	return err
}

func (c *mqttConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})

	ctx, cancel := context.WithTimeout(context.Background(), mqttDisconnectTimout)
	defer cancel()
	_ = c.cm.Disconnect(ctx)
}

func (c *mqttConn) Close() error {
	c.shutdown()
	return nil
}
