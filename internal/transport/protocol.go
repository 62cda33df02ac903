// Package transport implements the JSON message-channel protocol of
// spec.md §6: request envelopes dispatched to actions, and the
// data/ctrl/error/strategy response envelopes streamed back. It is the
// collaborator that turns a session.Sink into bytes a connection can
// write, and turns inbound JSON into session method calls.
package transport

import (
	"encoding/json"
	"time"
)

// Request is the inbound envelope. Fields not used by the named action
// are left at their zero value.
type Request struct {
	Action string `json:"action"`

	// set_client_id
	ClientID string `json:"clientid,omitempty"`

	// get_data / get_replay
	Subscriptions []SubscriptionSpec `json:"subscriptions,omitempty"`
	StartTime     string             `json:"start_time,omitempty"`
	EndTime       string             `json:"end_time,omitempty"`
	LiveData      json.RawMessage    `json:"live_data,omitempty"` // "none" | "all" | number
	SendTo        string             `json:"sendto,omitempty"`
	UseCache      *bool              `json:"use_cache,omitempty"`
	SaveCache     *bool              `json:"save_cache,omitempty"`
	Timezone      string             `json:"timezone,omitempty"`

	// add_timeframe / remove_timeframe
	Instrument string `json:"instrument,omitempty"`
	Timeframe  string `json:"timeframe,omitempty"`

	// get_replay
	HistoryStart json.RawMessage `json:"history_start,omitempty"`
	LiveStart    string          `json:"live_start,omitempty"`
	LiveEnd      json.RawMessage `json:"live_end,omitempty"`

	// modify_replay
	Pause          *bool  `json:"pause,omitempty"`
	ReplayInterval *int64 `json:"replay_interval,omitempty"`
}

// SubscriptionSpec is one entry of a get_data/get_replay subscriptions
// array.
type SubscriptionSpec struct {
	Instrument string `json:"instrument"`
	Timeframe  string `json:"timeframe"`
}

// DataMessage is the "data" response envelope: a bar plus a
// timezone-rendered human-readable timestamp.
type DataMessage struct {
	Mtyp       string  `json:"mtyp"`
	Timestamp  int64   `json:"timestamp"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     int64   `json:"volume"`
	Instrument string  `json:"instrument"`
	Timeframe  string  `json:"timeframe"`
	Source     string  `json:"source,omitempty"`
	IsClosed   bool    `json:"isClosed"`
	DateTime   string  `json:"dateTime"`
}

// ControlMessage is the "ctrl" response envelope.
type ControlMessage struct {
	Mtyp    string `json:"mtyp"`
	Message string `json:"message"`
}

// ErrorMessage is the "error" response envelope.
type ErrorMessage struct {
	Mtyp    string `json:"mtyp"`
	Message string `json:"message"`
}

// StrategyMessage is the "strategy" fan-out response envelope.
type StrategyMessage struct {
	Mtyp       string          `json:"mtyp"`
	Action     string          `json:"action"`
	ClientID   string          `json:"client_id,omitempty"`
	Instrument string          `json:"instrument,omitempty"`
	Timeframe  string          `json:"timeframe,omitempty"`
	Object     json.RawMessage `json:"object,omitempty"`
}

func newControlMessage(message string) ControlMessage {
	return ControlMessage{Mtyp: "ctrl", Message: message}
}

func newErrorMessage(message string) ErrorMessage {
	return ErrorMessage{Mtyp: "error", Message: message}
}

// formatDateTime renders ts (epoch-ms UTC) in loc for the data envelope's
// human-readable field (spec.md §6).
func formatDateTime(ts int64, loc *time.Location) string {
	return time.UnixMilli(ts).In(loc).Format("2006-01-02 15:04:05")
}
