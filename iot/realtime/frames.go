package realtime

import (
	"github.com/relabs-tech/telemetry/core/access"
	"github.com/relabs-tech/telemetry/iot/telemetry"
)

// frame types
const (
	TypeSnapshot     = "snapshot"
	TypeRecord       = "record"
	TypeError        = "error"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
)

// error codes of error frames
const (
	CodeAuth       = "auth"
	CodeAuthz      = "authz"
	CodeBadRequest = "bad_request"
	CodeInternal   = "internal"
)

// SelfOwner subscribes a user to the stream scoped to their own user id
const SelfOwner = access.SelfOwner

// SnapshotFrame carries the most recent records of an owner, newest first
type SnapshotFrame struct {
	Type    string             `json:"type"`
	Owner   telemetry.OwnerKey `json:"owner"`
	Records []telemetry.Record `json:"records"`
}

// RecordFrame carries one live record
type RecordFrame struct {
	Type   string           `json:"type"`
	Record telemetry.Record `json:"record"`
}

// ErrorFrame reports a failed request. Message never contains internal detail.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusFrame acknowledges subscribe and unsubscribe
type StatusFrame struct {
	Type  string             `json:"type"`
	Owner telemetry.OwnerKey `json:"owner,omitempty"`
}

// ClientFrame is a request sent by the dashboard
type ClientFrame struct {
	Type  string `json:"type"`
	Owner string `json:"owner,omitempty"`
}

func errorFrame(code, message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Code: code, Message: message}
}

func errorCode(err error) string {
	switch telemetry.ReasonClass(err) {
	case "auth":
		return CodeAuth
	case "authz":
		return CodeAuthz
	default:
		return CodeInternal
	}
}
