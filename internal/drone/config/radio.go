package config

import (
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/LeoCommon/rtt-drone/internal/link"
)

type RadioInterface string

const (
	RadioInterfaceNone   RadioInterface = "none"
	RadioInterfaceSerial RadioInterface = "serial"
	RadioInterfaceTCP    RadioInterface = "tcp"
	RadioInterfaceMQTT   RadioInterface = "mqtt"
)

// SupportedOptions lists the options for the config parser
func (r RadioInterface) SupportedOptions() []RadioInterface {
	return []RadioInterface{
		RadioInterfaceNone,
		RadioInterfaceSerial,
		RadioInterfaceTCP,
		RadioInterfaceMQTT,
	}
}

type RadioConfig struct {
	Interface RadioInterface `toml:"interface" comment:"none, serial, tcp or mqtt"`

	Port     string `toml:"port,omitempty"`
	Baudrate int    `toml:"baudrate,omitempty"`

	Host       string `toml:"host,omitempty"`
	TCPPort    int    `toml:"tcp_port,omitempty"`
	ServerMode bool   `toml:"server_mode,omitempty" comment:"listen for the ground station instead of connecting to it"`

	BrokerURL   string `toml:"broker_url,omitempty"`
	TopicPrefix string `toml:"topic_prefix,omitempty"`
	Username    string `toml:"username,omitempty"`
	Password    string `toml:"password,omitempty"`

	LinkTimeout       TOMLDuration `toml:"link_timeout" comment:"how long startup waits for the ground station, 0 does not wait"`
	HandshakeTimeout  TOMLDuration `toml:"handshake_timeout"`
	HeartbeatInterval TOMLDuration `toml:"heartbeat_interval"`
	HeartbeatMisses   int          `toml:"heartbeat_misses"`
	AckTimeout        TOMLDuration `toml:"ack_timeout"`
	PromoteLateLink   bool         `toml:"promote_late_link" comment:"a link that comes up after an autonomous start switches to connected mode"`
}

func defaultRadio() RadioConfig {
	return RadioConfig{
		Interface:         RadioInterfaceNone,
		Baudrate:          57600,
		LinkTimeout:       TOMLDuration(30 * time.Second),
		HandshakeTimeout:  TOMLDuration(link.DefaultHandshakeTimeout),
		HeartbeatInterval: TOMLDuration(link.DefaultHeartbeatInterval),
		HeartbeatMisses:   link.DefaultHeartbeatMisses,
		AckTimeout:        TOMLDuration(link.DefaultAckTimeout),
		PromoteLateLink:   true,
	}
}

func (r RadioConfig) Enabled() bool {
	return r.Interface != RadioInterfaceNone
}

type RadioConfigManager struct {
	BaseConfigManager[RadioConfig]
}

// Verify verifies the "hard" conditions that the rest of the code relies on
func (r *RadioConfigManager) Verify() error {
	c := r.conf

	if !slices.Contains(c.Interface.SupportedOptions(), c.Interface) {
		return fmt.Errorf("unsupported interface %q, valid options: %v", c.Interface, c.Interface.SupportedOptions())
	}

	switch c.Interface {
	case RadioInterfaceSerial:
		if c.Port == "" || c.Baudrate <= 0 {
			return fmt.Errorf("serial radio requires port and baudrate")
		}
	case RadioInterfaceTCP:
		if c.TCPPort < 0 || c.TCPPort > 65535 || (c.TCPPort == 0 && !c.ServerMode) {
			return fmt.Errorf("invalid tcp_port %d", c.TCPPort)
		}
		if c.Host == "" && !c.ServerMode {
			return fmt.Errorf("tcp client mode requires host")
		}
	case RadioInterfaceMQTT:
		u, err := url.Parse(c.BrokerURL)
		if err != nil {
			return fmt.Errorf("invalid broker_url: %w", err)
		}
		if u.Host == "" {
			return fmt.Errorf("broker_url %q has no host", c.BrokerURL)
		}
		if c.TopicPrefix == "" {
			return fmt.Errorf("mqtt radio requires topic_prefix")
		}
	}

	for name, d := range map[string]TOMLDuration{
		"link_timeout":       c.LinkTimeout,
		"handshake_timeout":  c.HandshakeTimeout,
		"heartbeat_interval": c.HeartbeatInterval,
		"ack_timeout":        c.AckTimeout,
	} {
		if d.Value() < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if c.HeartbeatMisses < 0 {
		return fmt.Errorf("heartbeat_misses must not be negative")
	}
	return nil
}

func NewRadioConfigManager(config *RadioConfig, mgr *Manager) *RadioConfigManager {
	j := RadioConfigManager{}
	j.conf = config
	j.mgr = mgr

	return &j
}
