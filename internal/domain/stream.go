package domain

import "time"

// StreamState is the lifecycle state of one opening-range stream.
type StreamState string

const (
	StatePreHydration  StreamState = "PRE_HYDRATION"
	StateArmed         StreamState = "ARMED"
	StateRangeBuilding StreamState = "RANGE_BUILDING"
	StateRangeLocked   StreamState = "RANGE_LOCKED"
	StateDone          StreamState = "DONE"
)

// IsTerminal reports whether no further transitions are possible.
func (s StreamState) IsTerminal() bool { return s == StateDone }

// RejectReason identifies why a bar was refused admission.
type RejectReason string

const (
	RejectNone          RejectReason = ""
	RejectDateMismatch  RejectReason = "DATE_MISMATCH"
	RejectOutsideWindow RejectReason = "OUTSIDE_WINDOW"
	RejectDuplicate     RejectReason = "DUPLICATE"
	RejectOutOfOrder    RejectReason = "OUT_OF_ORDER"
	RejectPartial       RejectReason = "PARTIAL"
	RejectStreamClosed  RejectReason = "STREAM_CLOSED"
)

// AdmissionDecision is the full, replayable outcome of one admission attempt.
// Given the same window state and bar it is always identical.
type AdmissionDecision struct {
	Accepted   bool
	Reason     RejectReason // set only when Accepted is false
	Superseded bool         // a live bar replaced a buffered historical bar at the same open time
	GapMinutes int          // missing-bar minutes charged by this admission
}

// TransitionReason records why a stream changed state.
type TransitionReason string

const (
	ReasonHydrated         TransitionReason = "HYDRATION_COMPLETE"
	ReasonHydrationTimeout TransitionReason = "HYDRATION_TIMEOUT"
	ReasonRangeStart       TransitionReason = "RANGE_START_REACHED"
	ReasonSlotDeadline     TransitionReason = "SLOT_DEADLINE_REACHED"
	ReasonGapInvalidated   TransitionReason = "GAP_TOLERANCE_EXCEEDED"
	ReasonEmptyRange       TransitionReason = "EMPTY_RANGE"
	ReasonEntryComplete    TransitionReason = "ENTRY_SEQUENCE_COMPLETE"
	ReasonNoTrade          TransitionReason = "NO_TRADE_DECISION"
	ReasonDateRollover     TransitionReason = "DATE_ROLLOVER"
	ReasonAdminOverride    TransitionReason = "ADMIN_OVERRIDE"
)

// TransitionEvent is the structured record of one state change, emitted to
// the observability sink instead of ad hoc named log events.
type TransitionEvent struct {
	StreamID    string
	TradingDate TradingDate
	From        StreamState
	To          StreamState
	Reason      TransitionReason
	At          time.Time
}

// JournalRecord is the durable snapshot of one stream for one trading date.
// It is written on every state transition and read once at startup to decide
// whether a stream must be reconstructed or skipped.
type JournalRecord struct {
	StreamID          string
	TradingDate       TradingDate
	State             StreamState
	Committed         bool
	TotalGapMinutes   int
	LargestGapMinutes int
	LastOpenTime      time.Time // zero when no bar has been admitted
	HasRange          bool      // true once a valid range was locked
	RangeHigh         float64   // meaningful only when HasRange
	RangeLow          float64
	UpdatedAt         time.Time
}
