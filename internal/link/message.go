package link

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/LeoCommon/rtt-drone/internal/detector"
	"github.com/LeoCommon/rtt-drone/internal/estimator"
	"github.com/LeoCommon/rtt-drone/internal/position"
	"github.com/LeoCommon/rtt-drone/pkg/system/sensors"
	"github.com/google/uuid"
)

type MessageType string

const (
	TypeHello        MessageType = "hello"
	TypeHelloAck     MessageType = "hello_ack"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeHeartbeatAck MessageType = "heartbeat_ack"
	// TypeAck answers a message, AckID refers to it
	TypeAck MessageType = "ack"

	// Ground station requests
	TypeConfig MessageType = "config"
	TypeStart  MessageType = "start"
	TypeStop   MessageType = "stop"
	TypeSync   MessageType = "sync"

	// Drone pushes
	TypeDetection MessageType = "detection"
	TypePosition  MessageType = "position"
	TypeStatus    MessageType = "status"
	TypeEstimate  MessageType = "location_estimate"
)

// IsRequest reports whether the message is a ground station request delivered on Inbound
func (t MessageType) IsRequest() bool {
	switch t {
	case TypeConfig, TypeStart, TypeStop, TypeSync:
		return true
	}
	return false
}

// PositionPayload is a projected fix
type PositionPayload struct {
	Easting  float64 `json:"easting"`
	Northing float64 `json:"northing"`
	Zone     string  `json:"zone"`
	EPSG     int     `json:"epsg"`
	Altitude float64 `json:"altitude"`
	Heading  float64 `json:"heading"`
}

func NewPositionPayload(p *position.Projected) *PositionPayload {
	if p == nil {
		return nil
	}
	return &PositionPayload{
		Easting:  p.Easting,
		Northing: p.Northing,
		Zone:     p.Zone,
		EPSG:     p.EPSG,
		Altitude: p.Altitude,
		Heading:  p.Heading,
	}
}

type DetectionPayload struct {
	Run       string    `json:"run"`
	Time      time.Time `json:"time"`
	Frequency int64     `json:"frequency"`
	Amplitude float64   `json:"amplitude"`
	SNR       float64   `json:"snr"`
	// Nil when the detection has no fix
	Position *PositionPayload `json:"position,omitempty"`
}

func NewDetectionPayload(rec detector.Record) *DetectionPayload {
	return &DetectionPayload{
		Run:       rec.Run.String(),
		Time:      rec.Time,
		Frequency: rec.Frequency,
		Amplitude: rec.Amplitude,
		SNR:       rec.SNR,
		Position:  NewPositionPayload(rec.Position),
	}
}

// EstimatePayload is the estimated transmitter location of one frequency
type EstimatePayload struct {
	Run       string    `json:"run"`
	Time      time.Time `json:"time"`
	Frequency int64     `json:"frequency"`
	Easting   float64   `json:"easting"`
	Northing  float64   `json:"northing"`
	Zone      string    `json:"zone"`
	EPSG      int       `json:"epsg"`
	Pings     int       `json:"pings"`
}

func NewEstimatePayload(est estimator.Estimate) *EstimatePayload {
	return &EstimatePayload{
		Run:       est.Run.String(),
		Time:      est.Time,
		Frequency: est.Frequency,
		Easting:   est.Easting,
		Northing:  est.Northing,
		Zone:      est.Zone,
		EPSG:      est.EPSG,
		Pings:     est.Pings,
	}
}

type StatusPayload struct {
	State      string `json:"state"`
	Mode       string `json:"mode"`
	Detector   string `json:"detector"`
	Run        string `json:"run,omitempty"`
	OutputRoot string `json:"output_root,omitempty"`
	FixValid   bool   `json:"fix_valid"`

	Temperatures map[string][]sensors.SensorEntry `json:"temperatures,omitempty"`
}

type Message struct {
	ID          string      `json:"id"`
	Type        MessageType `json:"type"`
	Time        time.Time   `json:"time"`
	AckID       string      `json:"ack_id,omitempty"`
	AckRequired bool        `json:"ack_required,omitempty"`
	Success     *bool       `json:"success,omitempty"`
	Error       string      `json:"error,omitempty"`

	// Handshake
	Station string `json:"station,omitempty"`
	BootID  string `json:"boot_id,omitempty"`

	Config    *detector.Config  `json:"config,omitempty"`
	Detection *DetectionPayload `json:"detection,omitempty"`
	Position  *PositionPayload  `json:"position,omitempty"`
	Status    *StatusPayload    `json:"status,omitempty"`
	Estimate  *EstimatePayload  `json:"estimate,omitempty"`
}

func NewMessage(t MessageType) Message {
	return Message{
		ID:   uuid.NewString(),
		Type: t,
		Time: time.Now().UTC(),
	}
}

// NewResponse acknowledges req, a non-nil err marks the request as failed
func NewResponse(req Message, err error) Message {
	m := NewMessage(TypeAck)
	m.AckID = req.ID

	success := err == nil
	m.Success = &success
	if err != nil {
		m.Error = err.Error()
	}

	return m
}

// Succeeded reports the outcome carried by an ack, a missing flag counts as success
func (m Message) Succeeded() bool {
	return m.Success == nil || *m.Success
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func Decode(frame []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return Message{}, err
	}

	if m.Type == "" {
		return Message{}, fmt.Errorf("message without type")
	}
	if m.ID == "" {
		return Message{}, fmt.Errorf("%s message without id", m.Type)
	}

	return m, nil
}
