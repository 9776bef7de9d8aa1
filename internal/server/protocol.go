// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package server

import "encoding/json"

// MessageType is the wire protocol's `type` discriminator (spec.md §4.7/§6).
type MessageType string

const (
	msgConnect    MessageType = "CONNECT"
	msgHeartbeat  MessageType = "HEARTBEAT"
	msgDisconnect MessageType = "DISCONNECT"

	msgLockAcquire MessageType = "LOCK_ACQUIRE"
	msgLockRelease MessageType = "LOCK_RELEASE"
	msgLockStatus  MessageType = "LOCK_STATUS"

	msgDeviceList    MessageType = "DEVICE_LIST"
	msgDeviceLease   MessageType = "DEVICE_LEASE"
	msgDeviceRelease MessageType = "DEVICE_RELEASE"
	msgDevicePreempt MessageType = "DEVICE_PREEMPT"
	msgDeviceStatus  MessageType = "DEVICE_STATUS"

	msgSerialAttach         MessageType = "SERIAL_ATTACH"
	msgSerialDetach         MessageType = "SERIAL_DETACH"
	msgSerialAcquireWriter  MessageType = "SERIAL_ACQUIRE_WRITER"
	msgSerialReleaseWriter  MessageType = "SERIAL_RELEASE_WRITER"
	msgSerialWrite          MessageType = "SERIAL_WRITE"
	msgSerialReadBuffer     MessageType = "SERIAL_READ_BUFFER"

	msgFirmwareQuery  MessageType = "FIRMWARE_QUERY"
	msgFirmwareRecord MessageType = "FIRMWARE_RECORD"

	msgSubscribe   MessageType = "SUBSCRIBE"
	msgUnsubscribe MessageType = "UNSUBSCRIBE"

	msgResponse  MessageType = "RESPONSE"
	msgError     MessageType = "ERROR"
	msgBroadcast MessageType = "BROADCAST"
)

// inboundEnvelope is the shape decoded off the wire. Data is left raw so
// each handler decodes only the fields it recognizes (spec.md §6).
type inboundEnvelope struct {
	Type      string          `json:"type"`
	ClientID  string          `json:"client_id,omitempty"`
	Timestamp float64         `json:"timestamp,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// outboundEnvelope is what gets marshaled back onto the wire.
type outboundEnvelope struct {
	Type      MessageType `json:"type"`
	ClientID  string      `json:"client_id,omitempty"`
	Timestamp float64     `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
	Data      any         `json:"data,omitempty"`
}

type connectData struct {
	PID      int    `json:"pid"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
}

type disconnectData struct {
	Reason string `json:"reason"`
}

type lockAcquireData struct {
	ProjectDir  string  `json:"project_dir"`
	Environment string  `json:"environment"`
	Port        string  `json:"port"`
	LockType    string  `json:"lock_type"`
	Description string  `json:"description"`
	Timeout     float64 `json:"timeout"`
}

type lockKeyData struct {
	ProjectDir  string `json:"project_dir"`
	Environment string `json:"environment"`
	Port        string `json:"port"`
}

type deviceListData struct {
	Refresh bool `json:"refresh"`
}

type deviceLeaseData struct {
	DeviceID       string  `json:"device_id"`
	LeaseType      string  `json:"lease_type"`
	Description    string  `json:"description"`
	AllowsMonitors bool    `json:"allows_monitors"`
	Timeout        float64 `json:"timeout"`
}

type deviceReleaseData struct {
	LeaseID string `json:"lease_id"`
}

type devicePreemptData struct {
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason"`
}

type deviceStatusData struct {
	DeviceID string `json:"device_id"`
}

type serialAttachData struct {
	Port string `json:"port"`
	Baud int    `json:"baud"`
}

type serialPortData struct {
	Port string `json:"port"`
}

type serialAcquireWriterData struct {
	Port    string  `json:"port"`
	Timeout float64 `json:"timeout"`
}

type serialWriteData struct {
	Port          string `json:"port"`
	Data          string `json:"data"` // base64
	AcquireWriter bool   `json:"acquire_writer"`
}

type serialReadBufferData struct {
	Port     string `json:"port"`
	MaxLines int    `json:"max_lines"`
}

type firmwareQueryData struct {
	Port           string `json:"port"`
	SourceHash     string `json:"source_hash"`
	BuildFlagsHash string `json:"build_flags_hash"`
}

type firmwareRecordData struct {
	Port           string `json:"port"`
	FirmwareHash   string `json:"firmware_hash"`
	SourceHash     string `json:"source_hash"`
	ProjectDir     string `json:"project_dir"`
	Environment    string `json:"environment"`
	BuildFlagsHash string `json:"build_flags_hash"`
}

type subscribeData struct {
	EventTypes []string `json:"event_types"`
	FilterKey  string   `json:"filter_key"`
}
