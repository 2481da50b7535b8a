package registry

import (
	"time"

	"github.com/orbitmesh/orbitmesh/shared/domain"
)

// Trigger is an event fed into a node's state machine.
type Trigger string

const (
	TriggerInitialize  Trigger = "initialize"
	TriggerConnect     Trigger = "connect"
	TriggerFault       Trigger = "fault"
	TriggerDisconnect  Trigger = "disconnect"
	TriggerStartJob    Trigger = "start_job"
	TriggerCompleteJob Trigger = "complete_job"
	TriggerPause       Trigger = "pause"
	TriggerResume      Trigger = "resume"
	TriggerStop        Trigger = "stop"
	TriggerStopped     Trigger = "stopped"
	TriggerRecover     Trigger = "recover"
	TriggerReconnect   Trigger = "reconnect"
)

// ChangeEvent is emitted on every accepted state transition.
type ChangeEvent struct {
	AgentID string
	Old     domain.AgentStatus
	New     domain.AgentStatus
	Trigger Trigger
	At      time.Time
}

// transitions is the full lifecycle table. A (state, trigger) pair not present
// here is rejected: the caller keeps its current state.
var transitions = map[domain.AgentStatus]map[Trigger]domain.AgentStatus{
	domain.AgentCreated: {
		TriggerInitialize: domain.AgentInitializing,
	},
	domain.AgentInitializing: {
		TriggerConnect:    domain.AgentReady,
		TriggerFault:      domain.AgentFaulted,
		TriggerDisconnect: domain.AgentDisconnected,
	},
	domain.AgentReady: {
		TriggerStartJob:   domain.AgentRunning,
		TriggerPause:      domain.AgentPaused,
		TriggerStop:       domain.AgentStopping,
		TriggerDisconnect: domain.AgentDisconnected,
		TriggerFault:      domain.AgentFaulted,
	},
	domain.AgentRunning: {
		TriggerCompleteJob: domain.AgentReady,
		TriggerPause:       domain.AgentPaused,
		TriggerStop:        domain.AgentStopping,
		TriggerDisconnect:  domain.AgentDisconnected,
		TriggerFault:       domain.AgentFaulted,
	},
	domain.AgentPaused: {
		TriggerResume:     domain.AgentReady,
		TriggerStop:       domain.AgentStopping,
		TriggerDisconnect: domain.AgentDisconnected,
		TriggerFault:      domain.AgentFaulted,
	},
	domain.AgentStopping: {
		TriggerStopped:    domain.AgentStopped,
		TriggerDisconnect: domain.AgentDisconnected,
		TriggerFault:      domain.AgentFaulted,
	},
	domain.AgentStopped: {
		TriggerInitialize: domain.AgentInitializing,
	},
	domain.AgentFaulted: {
		TriggerRecover:    domain.AgentInitializing,
		TriggerDisconnect: domain.AgentDisconnected,
	},
	domain.AgentDisconnected: {
		TriggerReconnect: domain.AgentInitializing,
		TriggerConnect:   domain.AgentReady,
	},
}

// fire looks up the transition for (current, trigger). ok is false if the
// trigger is illegal in the current state, in which case current is
// returned unchanged.
func fire(current domain.AgentStatus, trig Trigger) (domain.AgentStatus, bool) {
	byTrigger, ok := transitions[current]
	if !ok {
		return current, false
	}
	next, ok := byTrigger[trig]
	if !ok {
		return current, false
	}
	return next, true
}
