// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package log

// Canonical field name constants for structured logging.
const (
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"
	FieldJobID         = "job_id"

	FieldEvent     = "event"
	FieldComponent = "component"

	FieldClientID  = "client_id"
	FieldLockKey   = "lock_key"
	FieldDeviceID  = "device_id"
	FieldLeaseID   = "lease_id"
	FieldPort      = "port"
	FieldTaskName  = "task_name"
	FieldPhase     = "phase"

	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
