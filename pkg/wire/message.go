package wire

import "encoding/json"

// Kind tags the union of cluster messages carried inside an Envelope's
// Payload field (spec.md §6). Every kind below must be dispatchable by
// a cluster-message switch.
type Kind string

const (
	KindHeartbeat                  Kind = "heartbeat"
	KindNodeDown                   Kind = "node_down"
	KindCallRequest                Kind = "call_request"
	KindCallReply                  Kind = "call_reply"
	KindCast                       Kind = "cast"
	KindSpawnRequest               Kind = "spawn_request"
	KindSpawnReply                 Kind = "spawn_reply"
	KindMonitorRequest             Kind = "monitor_request"
	KindMonitorAck                 Kind = "monitor_ack"
	KindDemonitorRequest           Kind = "demonitor_request"
	KindProcessDown                Kind = "process_down"
	KindLinkRequest                Kind = "link_request"
	KindLinkAck                    Kind = "link_ack"
	KindUnlinkRequest              Kind = "unlink_request"
	KindExitSignal                 Kind = "exit_signal"
	KindRegistryAnnounce           Kind = "registry_announce"
	KindRegistryConflictResolution Kind = "registry_conflict_resolution"
	KindStopRequest                Kind = "stop_request"
)

// RefWire is the wire form of a GenServerRef: it always carries the
// origin node id (spec.md §3 SerializedRef).
type RefWire struct {
	ID   string `json:"id"`
	Node string `json:"node"`
}

// ProcessDownReasonWire is the wire encoding of the ProcessDownReason
// taxonomy (spec.md §4.10): normal | shutdown | error | noproc | noconnection.
type ProcessDownReasonWire struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

const (
	ReasonNormal       = "normal"
	ReasonShutdown     = "shutdown"
	ReasonError        = "error"
	ReasonNoProc       = "noproc"
	ReasonNoConnection = "noconnection"
)

type HeartbeatMsg struct {
	ProcessCount int               `json:"process_count"`
	UptimeMs     int64             `json:"uptime_ms"`
	Tags         map[string]string `json:"tags,omitempty"`
}

type NodeDownMsg struct {
	Node   string `json:"node"`
	Reason string `json:"reason"`
}

type CallRequestMsg struct {
	CallID         string          `json:"call_id"`
	TargetServerID string          `json:"target_server_id"`
	Payload        json.RawMessage `json:"payload"`
}

type CallReplyMsg struct {
	CallID string          `json:"call_id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type CastMsg struct {
	TargetServerID string          `json:"target_server_id"`
	Payload        json.RawMessage `json:"payload"`
}

type SpawnRequestMsg struct {
	SpawnID       string `json:"spawn_id"`
	BehaviorName  string `json:"behavior_name"`
	Registration  string `json:"registration"`
	Name          string `json:"name,omitempty"`
	InitTimeoutMs int64  `json:"init_timeout_ms"`
}

type SpawnErrorWire struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

type SpawnReplyMsg struct {
	SpawnID  string          `json:"spawn_id"`
	ServerID string          `json:"server_id,omitempty"`
	Error    *SpawnErrorWire `json:"error,omitempty"`
}

type MonitorRequestMsg struct {
	MonitorID     string  `json:"monitor_id"`
	MonitoringRef RefWire `json:"monitoring_ref"`
	MonitoredRef  RefWire `json:"monitored_ref"`
}

type MonitorAckMsg struct {
	MonitorID string `json:"monitor_id"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
}

type DemonitorRequestMsg struct {
	MonitorID string `json:"monitor_id"`
}

type ProcessDownMsg struct {
	MonitorID    string                `json:"monitor_id"`
	MonitoredRef RefWire               `json:"monitored_ref"`
	Reason       ProcessDownReasonWire `json:"reason"`
}

type LinkRequestMsg struct {
	LinkID string  `json:"link_id"`
	From   RefWire `json:"from"`
	To     RefWire `json:"to"`
}

type LinkAckMsg struct {
	LinkID  string `json:"link_id"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

type UnlinkRequestMsg struct {
	LinkID string `json:"link_id"`
}

type ExitSignalMsg struct {
	LinkID string                `json:"link_id"`
	From   RefWire               `json:"from"`
	To     RefWire               `json:"to"`
	Reason ProcessDownReasonWire `json:"reason"`
}

type RegistryEntryWire struct {
	Name         string  `json:"name"`
	Ref          RefWire `json:"ref"`
	RegisteredAt int64   `json:"registered_at"`
	OwnerNodeID  string  `json:"owner_node_id"`
}

type RegistryAnnounceMsg struct {
	Entries []RegistryEntryWire `json:"entries"`
}

type RegistryConflictResolutionMsg struct {
	Winner RegistryEntryWire `json:"winner"`
}

// StopRequestMsg terminates a remote GenServer; used by the
// distributed supervisor (spec.md §4.13) to tear down children it
// placed on other nodes. No reply is expected.
type StopRequestMsg struct {
	TargetServerID string                `json:"target_server_id"`
	Reason         ProcessDownReasonWire `json:"reason"`
}

// ClusterMessage is the tagged union carried by an Envelope. Exactly
// one of the typed fields matching Kind is populated; the others are
// omitted from the wire encoding.
type ClusterMessage struct {
	Kind Kind `json:"kind"`

	Heartbeat        *HeartbeatMsg                  `json:"heartbeat,omitempty"`
	NodeDown         *NodeDownMsg                   `json:"node_down,omitempty"`
	CallRequest      *CallRequestMsg                `json:"call_request,omitempty"`
	CallReply        *CallReplyMsg                  `json:"call_reply,omitempty"`
	Cast             *CastMsg                       `json:"cast,omitempty"`
	SpawnRequest     *SpawnRequestMsg                `json:"spawn_request,omitempty"`
	SpawnReply       *SpawnReplyMsg                  `json:"spawn_reply,omitempty"`
	MonitorRequest   *MonitorRequestMsg              `json:"monitor_request,omitempty"`
	MonitorAck       *MonitorAckMsg                  `json:"monitor_ack,omitempty"`
	DemonitorRequest *DemonitorRequestMsg             `json:"demonitor_request,omitempty"`
	ProcessDown      *ProcessDownMsg                 `json:"process_down,omitempty"`
	LinkRequest      *LinkRequestMsg                 `json:"link_request,omitempty"`
	LinkAck          *LinkAckMsg                     `json:"link_ack,omitempty"`
	UnlinkRequest    *UnlinkRequestMsg                `json:"unlink_request,omitempty"`
	ExitSignal       *ExitSignalMsg                   `json:"exit_signal,omitempty"`
	RegistryAnnounce *RegistryAnnounceMsg             `json:"registry_announce,omitempty"`
	RegistryConflict *RegistryConflictResolutionMsg   `json:"registry_conflict_resolution,omitempty"`
	StopRequest      *StopRequestMsg                  `json:"stop_request,omitempty"`
}
