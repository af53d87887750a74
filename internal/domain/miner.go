package domain

import "time"

// StartReason classifies the outcome of a miner start attempt. The HTTP
// layer maps these to status codes (auth problems to 400, connectivity and
// startup problems to 500).
type StartReason string

const (
	StartReasonStarted             StartReason = "started"
	StartReasonAlreadyRunning      StartReason = "already_running"
	StartReasonMissingToken        StartReason = "missing_token"
	StartReasonInvalidToken        StartReason = "invalid_token"
	StartReasonPubSubConnectFailed StartReason = "pubsub_connect_failed"
	StartReasonStartFailed         StartReason = "start_failed"
)

// StartResult is the typed outcome of Service.Start.
type StartResult struct {
	Success bool        `json:"success"`
	Reason  StartReason `json:"reason"`
	Message string      `json:"message"`
}

// MinerStatus is the snapshot exposed to the HTTP layer.
type MinerStatus struct {
	Running         bool       `json:"running"`
	StartedAt       *time.Time `json:"startedAt"`
	Streamers       []string   `json:"streamers"`
	TickCount       int        `json:"tickCount"`
	LastTick        *time.Time `json:"lastTick"`
	PubSubConnected bool       `json:"pubsubConnected"`
	UserID          string     `json:"userId"`
}
