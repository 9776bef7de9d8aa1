// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fbuildd/fbuildd/internal/bus"
	"github.com/fbuildd/fbuildd/internal/cascade"
	"github.com/fbuildd/fbuildd/internal/clients"
	"github.com/fbuildd/fbuildd/internal/devices"
	"github.com/fbuildd/fbuildd/internal/locks"
)

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// buildHandlerTable is the static map[MessageType]handlerFunc dispatch table
// spec.md §6 calls for: every wire message type is looked up here once per
// inbound frame, never via a type switch that would need editing at two
// sites to add a message.
func (s *Server) buildHandlerTable() map[MessageType]handlerFunc {
	return map[MessageType]handlerFunc{
		msgConnect:    handleConnect,
		msgHeartbeat:  handleHeartbeat,
		msgDisconnect: handleDisconnect,

		msgLockAcquire: handleLockAcquire,
		msgLockRelease: handleLockRelease,
		msgLockStatus:  handleLockStatus,

		msgDeviceList:    handleDeviceList,
		msgDeviceLease:   handleDeviceLease,
		msgDeviceRelease: handleDeviceRelease,
		msgDevicePreempt: handleDevicePreempt,
		msgDeviceStatus:  handleDeviceStatus,

		msgSerialAttach:        handleSerialAttach,
		msgSerialDetach:        handleSerialDetach,
		msgSerialAcquireWriter: handleSerialAcquireWriter,
		msgSerialReleaseWriter: handleSerialReleaseWriter,
		msgSerialWrite:         handleSerialWrite,
		msgSerialReadBuffer:    handleSerialReadBuffer,

		msgFirmwareQuery:  handleFirmwareQuery,
		msgFirmwareRecord: handleFirmwareRecord,

		msgSubscribe:   handleSubscribe,
		msgUnsubscribe: handleUnsubscribe,
	}
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode message data: %w", err)
	}
	return v, nil
}

func handleConnect(ctx context.Context, s *Server, c *connection, requestID string, raw json.RawMessage) (any, error) {
	in, err := decode[connectData](raw)
	if err != nil {
		return nil, err
	}
	c.meta = in

	s.deps.Clients.Register(c.id, c.conn.RemoteAddr().String(), clients.Metadata{
		PID: in.PID, Hostname: in.Hostname, Version: in.Version,
	})
	_ = s.deps.Status.SetClientCount(s.deps.Clients.GetClientCount())
	s.publishStatus(ctx, "client_connected", c.id)

	return map[string]any{"success": true, "client_id": c.id}, nil
}

func handleHeartbeat(ctx context.Context, s *Server, c *connection, requestID string, raw json.RawMessage) (any, error) {
	ok := s.deps.Clients.Heartbeat(c.id)
	return map[string]any{"success": ok}, nil
}

func handleDisconnect(ctx context.Context, s *Server, c *connection, requestID string, raw json.RawMessage) (any, error) {
	_, _ = decode[disconnectData](raw)
	if s.deps.Clients.Unregister(c.id) {
		cascade.Cleanup(ctx, s.deps.cascadeDeps(), c.id, "graceful")
		_ = s.deps.Status.SetClientCount(s.deps.Clients.GetClientCount())
		s.publishStatus(ctx, "client_disconnected", c.id)
	}
	return map[string]any{"success": true}, nil
}

// lockKeyFrom builds a locks.Key from any of the request shapes that carry
// the project/environment/port triple.
func lockKeyFrom(projectDir, environment, port string) locks.Key {
	return locks.Key{Project: projectDir, Environment: environment, Port: port}
}

func handleLockAcquire(ctx context.Context, s *Server, c *connection, requestID string, raw json.RawMessage) (any, error) {
	in, err := decode[lockAcquireData](raw)
	if err != nil {
		return nil, err
	}
	key := lockKeyFrom(in.ProjectDir, in.Environment, in.Port)
	timeout := s.cfg.LockDefaultTimeout
	if in.Timeout > 0 {
		timeout = seconds(in.Timeout)
	}

	var acquired bool
	switch in.LockType {
	case "shared_read":
		acquired = s.deps.Locks.AcquireSharedRead(key, c.id, in.Description)
	default:
		acquired = s.deps.Locks.AcquireExclusive(key, c.id, in.Description, timeout)
	}

	if acquired {
		s.publishLockEvent(ctx, "lock_acquired", key)
	}
	status := s.deps.Locks.GetLockStatus(key)
	return map[string]any{
		"success":       acquired,
		"state":         status.State,
		"holder_count":  status.HolderCount,
		"waiting_count": status.WaitingCount,
	}, nil
}

func handleLockRelease(ctx context.Context, s *Server, c *connection, requestID string, raw json.RawMessage) (any, error) {
	in, err := decode[lockKeyData](raw)
	if err != nil {
		return nil, err
	}
	key := lockKeyFrom(in.ProjectDir, in.Environment, in.Port)
	released := s.deps.Locks.Release(key, c.id)
	if released {
		s.publishLockEvent(ctx, "lock_released", key)
	}
	return map[string]any{"success": released}, nil
}

func handleLockStatus(ctx context.Context, s *Server, c *connection, requestID string, raw json.RawMessage) (any, error) {
	in, err := decode[lockKeyData](raw)
	if err != nil {
		return nil, err
	}
	key := lockKeyFrom(in.ProjectDir, in.Environment, in.Port)
	status := s.deps.Locks.GetLockStatus(key)
	return map[string]any{
		"state":             status.State,
		"holder_count":      status.HolderCount,
		"waiting_count":     status.WaitingCount,
		"description":       status.Description,
		"acquisition_count": status.AcquisitionCount,
		"is_held":           status.IsHeld,
		"is_stale":          status.IsStale,
	}, nil
}

func (s *Server) publishLockEvent(ctx context.Context, eventType string, key locks.Key) {
	_ = s.deps.Bus.Publish(ctx, bus.TopicLocks, bus.Event{
		Topic: bus.TopicLocks, Type: eventType,
		FilterKey: key.Project + "|" + key.Environment + "|" + key.Port,
		Data: map[string]any{"project_dir": key.Project, "environment": key.Environment, "port": key.Port},
	})
}

func handleDeviceList(ctx context.Context, s *Server, c *connection, requestID string, raw json.RawMessage) (any, error) {
	in, err := decode[deviceListData](raw)
	if err != nil {
		return nil, err
	}
	var snaps []devices.Snapshot
	if in.Refresh {
		snaps, err = s.deps.Devices.RefreshDevices(ctx)
		if err != nil {
			return nil, err
		}
	} else {
		snaps = s.deps.Devices.ListDevices()
	}
	return map[string]any{"devices": snaps}, nil
}

func handleDeviceLease(ctx context.Context, s *Server, c *connection, requestID string, raw json.RawMessage) (any, error) {
	in, err := decode[deviceLeaseData](raw)
	if err != nil {
		return nil, err
	}

	var lease *devices.Lease
	if in.LeaseType == string(devices.Monitor) {
		lease = s.deps.Devices.AcquireMonitor(in.DeviceID, c.id, in.Description)
	} else {
		lease = s.deps.Devices.AcquireExclusive(in.DeviceID, c.id, in.Description, in.AllowsMonitors)
	}
	if lease == nil {
		return map[string]any{"success": false}, nil
	}

	_ = s.deps.Bus.Publish(ctx, bus.TopicDevices, bus.Event{
		Topic: bus.TopicDevices, Type: "lease_acquired", FilterKey: in.DeviceID,
		Data: map[string]any{"device_id": in.DeviceID, "lease_id": lease.LeaseID, "lease_type": lease.Type, "client_id": c.id},
	})
	return map[string]any{"success": true, "lease_id": lease.LeaseID, "lease_type": lease.Type}, nil
}

func handleDeviceRelease(ctx context.Context, s *Server, c *connection, requestID string, raw json.RawMessage) (any, error) {
	in, err := decode[deviceReleaseData](raw)
	if err != nil {
		return nil, err
	}
	released := s.deps.Devices.ReleaseLease(in.LeaseID, c.id)
	if released {
		_ = s.deps.Bus.Publish(ctx, bus.TopicDevices, bus.Event{
			Topic: bus.TopicDevices, Type: "lease_released",
			Data: map[string]any{"lease_id": in.LeaseID, "client_id": c.id},
		})
	}
	return map[string]any{"success": released}, nil
}

func handleDevicePreempt(ctx context.Context, s *Server, c *connection, requestID string, raw json.RawMessage) (any, error) {
	in, err := decode[devicePreemptData](raw)
	if err != nil {
		return nil, err
	}
	lease, preempted, err := s.deps.Devices.PreemptDevice(ctx, in.DeviceID, c.id, in.Reason)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"success":          true,
		"lease_id":         lease.LeaseID,
		"preempted_client": preempted,
	}, nil
}

func handleDeviceStatus(ctx context.Context, s *Server, c *connection, requestID string, raw json.RawMessage) (any, error) {
	in, err := decode[deviceStatusData](raw)
	if err != nil {
		return nil, err
	}
	for _, snap := range s.deps.Devices.ListDevices() {
		if snap.DeviceID == in.DeviceID {
			return map[string]any{"found": true, "device": snap}, nil
		}
	}
	return map[string]any{"found": false}, nil
}

func handleSerialAttach(ctx context.Context, s *Server, c *connection, requestID string, raw json.RawMessage) (any, error) {
	in, err := decode[serialAttachData](raw)
	if err != nil {
		return nil, err
	}
	ok := s.deps.Serial.OpenPort(ctx, in.Port, in.Baud, c.id)
	return map[string]any{"success": ok}, nil
}

func handleSerialDetach(ctx context.Context, s *Server, c *connection, requestID string, raw json.RawMessage) (any, error) {
	in, err := decode[serialPortData](raw)
	if err != nil {
		return nil, err
	}
	ok := s.deps.Serial.DetachReader(in.Port, c.id)
	return map[string]any{"success": ok}, nil
}

func handleSerialAcquireWriter(ctx context.Context, s *Server, c *connection, requestID string, raw json.RawMessage) (any, error) {
	in, err := decode[serialAcquireWriterData](raw)
	if err != nil {
		return nil, err
	}
	ok := s.deps.Serial.AcquireWriter(in.Port, c.id, seconds(in.Timeout))
	return map[string]any{"success": ok}, nil
}

func handleSerialReleaseWriter(ctx context.Context, s *Server, c *connection, requestID string, raw json.RawMessage) (any, error) {
	in, err := decode[serialPortData](raw)
	if err != nil {
		return nil, err
	}
	ok := s.deps.Serial.ReleaseWriter(in.Port, c.id)
	return map[string]any{"success": ok}, nil
}

func handleSerialWrite(ctx context.Context, s *Server, c *connection, requestID string, raw json.RawMessage) (any, error) {
	in, err := decode[serialWriteData](raw)
	if err != nil {
		return nil, err
	}
	if in.AcquireWriter {
		if !s.deps.Serial.AcquireWriter(in.Port, c.id, 0) {
			return map[string]any{"success": false, "bytes_written": 0}, nil
		}
	}
	payload, err := base64.StdEncoding.DecodeString(in.Data)
	if err != nil {
		return nil, fmt.Errorf("decode serial write payload: %w", err)
	}
	n := s.deps.Serial.Write(in.Port, c.id, payload)
	return map[string]any{"success": n >= 0, "bytes_written": n}, nil
}

func handleSerialReadBuffer(ctx context.Context, s *Server, c *connection, requestID string, raw json.RawMessage) (any, error) {
	in, err := decode[serialReadBufferData](raw)
	if err != nil {
		return nil, err
	}
	lines := s.deps.Serial.ReadBuffer(in.Port, in.MaxLines)
	return map[string]any{"lines": lines}, nil
}

func handleFirmwareQuery(ctx context.Context, s *Server, c *connection, requestID string, raw json.RawMessage) (any, error) {
	in, err := decode[firmwareQueryData](raw)
	if err != nil {
		return nil, err
	}
	res, err := s.deps.Firmware.Query(ctx, in.Port, in.SourceHash, in.BuildFlagsHash)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"is_current":     res.IsCurrent,
		"needs_redeploy": res.NeedsRedeploy,
		"prior_entry":    res.PriorEntry,
	}, nil
}

func handleFirmwareRecord(ctx context.Context, s *Server, c *connection, requestID string, raw json.RawMessage) (any, error) {
	in, err := decode[firmwareRecordData](raw)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Firmware.RecordDeployment(ctx, in.Port, in.FirmwareHash, in.SourceHash, in.ProjectDir, in.Environment, in.BuildFlagsHash); err != nil {
		return nil, err
	}
	_ = s.deps.Bus.Publish(ctx, bus.TopicFirmware, bus.Event{
		Topic: bus.TopicFirmware, Type: "firmware_recorded", FilterKey: in.Port,
		Data: map[string]any{"port": in.Port, "firmware_hash": in.FirmwareHash},
	})
	return map[string]any{"success": true}, nil
}

func handleSubscribe(ctx context.Context, s *Server, c *connection, requestID string, raw json.RawMessage) (any, error) {
	in, err := decode[subscribeData](raw)
	if err != nil {
		return nil, err
	}
	for _, et := range in.EventTypes {
		c.addSubscription(et, in.FilterKey)
	}
	return map[string]any{"success": true}, nil
}

func handleUnsubscribe(ctx context.Context, s *Server, c *connection, requestID string, raw json.RawMessage) (any, error) {
	in, err := decode[subscribeData](raw)
	if err != nil {
		return nil, err
	}
	for _, et := range in.EventTypes {
		c.removeSubscription(et, in.FilterKey)
	}
	return map[string]any{"success": true}, nil
}
