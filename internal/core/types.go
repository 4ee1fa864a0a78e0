// internal/core/types.go
package core

import (
	"encoding/json"
	"strings"
	"time"
)

type DeviceKind string

const (
	DeviceKindCamera DeviceKind = "camera"
	DeviceKindAIBox  DeviceKind = "ai_box"
)

// NormalizeDeviceKind aceita as variações que os instaladores mandam
// (aibox, ai-box, cam...) e devolve o tipo canônico.
func NormalizeDeviceKind(s string) (DeviceKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ai_box", "aibox", "ai-box", "ai":
		return DeviceKindAIBox, true
	case "camera", "cam":
		return DeviceKindCamera, true
	}
	return "", false
}

type Device struct {
	ID                 string     `json:"id"`
	IP                 string     `json:"ip"`
	Name               *string    `json:"name"`
	Kind               DeviceKind `json:"kind"`
	Username           string     `json:"username,omitempty"`
	PasswordCiphertext string     `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

type Channel struct {
	DeviceID     string          `json:"device_id"`
	No           int             `json:"channel_no"`
	Name         *string         `json:"name"`
	Zone         *string         `json:"zone"`
	Features     []string        `json:"features"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ZoneChannel é um canal com o IP do device dono, usado nas consultas por zona.
type ZoneChannel struct {
	Channel
	IP string `json:"ip"`
}

// ChannelRef identifica o par (device, canal) resolvido para um evento.
type ChannelRef struct {
	DeviceID  string
	IP        string
	ChannelNo int
}

// DeviceRegistration é o cadastro explícito (device/register e camera/connect).
type DeviceRegistration struct {
	IP                 string
	Name               *string
	Kind               DeviceKind
	Username           string
	PasswordCiphertext string
}

// ChannelCapabilities vem da descoberta LAPI durante o cadastro.
type ChannelCapabilities struct {
	No           int
	Name         string
	Features     []string
	Capabilities json.RawMessage
}

// Optional marca se um campo veio na requisição; Value nil significa limpar.
type Optional struct {
	Present bool
	Value   *string
}

type ChannelPatch struct {
	Name Optional
	Zone Optional
}

func (p ChannelPatch) Empty() bool {
	return !p.Name.Present && !p.Zone.Present
}

type EventKind string

const (
	EventKindPeopleCount   EventKind = "people-count"
	EventKindFaceDetection EventKind = "face-detection"
)

type LineCount struct {
	LineID int
	In     int
	Out    int
}

// FaceObservation é um rosto já com os campos checados por tipo:
// campo com tipo errado vira nil.
type FaceObservation struct {
	FaceID   *string
	Age      *int
	AgeRange *string
	Gender   *string
	Glasses  *string
	Mask     *string
	Extra    map[string]any
}

// RawEvent é o evento canônico saído do normalizador.
// Lines só vale para people-count; Faces só para face-detection.
type RawEvent struct {
	Kind      EventKind
	IP        string
	ChannelNo int
	EventTime time.Time
	Lines     []LineCount
	Faces     []FaceObservation
	Payload   []byte
}

type PeopleCountEvent struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	ChannelNo  int       `json:"channel_no"`
	LineID     int       `json:"line_id"`
	In         int       `json:"in_count"`
	Out        int       `json:"out_count"`
	EventTime  time.Time `json:"event_time"`
	RawPayload []byte    `json:"-"`
}

type FaceEvent struct {
	ID            string    `json:"id"`
	DeviceID      string    `json:"device_id"`
	ChannelNo     int       `json:"channel_no"`
	EventTime     time.Time `json:"event_time"`
	FacesDetected int       `json:"faces_detected"`
	RawPayload    []byte    `json:"-"`
}

type FaceAttribute struct {
	ID          string `json:"id"`
	FaceEventID string `json:"face_event_id"`
	FaceObservation
}

// LoggedEvent é uma linha do log de eventos lida de volta (replay).
// Exatamente um entre People e Face vem preenchido.
type LoggedEvent struct {
	People     *PeopleCountEvent
	Face       *FaceEvent
	Attributes []FaceAttribute
}

// LiveEvent é a notificação leve enviada ao dashboard.
type LiveEvent struct {
	Type      EventKind `json:"type"`
	IP        string    `json:"ip"`
	ChannelID string    `json:"channelId"`
	Timestamp time.Time `json:"timestamp"`
	LineID    *int      `json:"lineId,omitempty"`
	In        *int      `json:"in,omitempty"`
	Out       *int      `json:"out,omitempty"`
	Faces     *int      `json:"faces,omitempty"`
}
