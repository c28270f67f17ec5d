// Package websocket implements the real-time pub/sub hub that pushes server
// events to connected GUI clients. It is unrelated to the agent control
// plane in agentws — this hub only serves browser dashboards, and uses
// gorilla/websocket the same way agentws does for the agent-facing socket.
//
// Topic naming convention:
//
//	job:<uuid>       — status/progress/log events for a job's backup runs
//	agent:<uuid>     — online/offline transitions for an agent
//	notifications    — global in-app notification feed
package websocket

// MessageType identifies the kind of event carried by a Message.
// The GUI uses this field to route the payload to the correct store update.
type MessageType string

const (
	// MsgSnapshotStatus is sent when an agent reports a run as completed or
	// failed.
	MsgSnapshotStatus MessageType = "snapshot.status"

	// MsgSnapshotProgress is sent on each progress tick during an active run.
	MsgSnapshotProgress MessageType = "snapshot.progress"

	// MsgSnapshotLog is sent for each streamed log line during an active run.
	MsgSnapshotLog MessageType = "snapshot.log"

	// MsgAgentStatus is sent when an agent connects or disconnects.
	MsgAgentStatus MessageType = "agent.status"

	// MsgNotification is sent when a new in-app notification is created.
	MsgNotification MessageType = "notification"

	// MsgPing is not sent by the hub; connection liveness uses WebSocket
	// ping frames written by Client.writePump.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to clients.
// The GUI deserializes this struct and dispatches on Type.
//
// JSON example:
//
//	{"type":"snapshot.status","topic":"job:018f...","payload":{"status":"completed","snapshot_id":"..."}}
type Message struct {
	// Type identifies the kind of event so the client can route it correctly.
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	// Clients use it to associate the update with the correct UI element.
	Topic string `json:"topic"`

	// Payload carries the event-specific data. The shape varies by Type:
	//   - snapshot.status:   {"status":"completed","snapshot_id":"..."}
	//   - snapshot.progress: types.JobProgress ({"files_done":12,"bytes_done":...})
	//   - snapshot.log:      types.JobLog ({"level":"info","message":"...","timestamp":<unix ms>})
	//   - agent.status:      {"status":"online"}
	//   - notification:      {"id":"...","type":"...","title":"...","body":"..."}
	//   - ping:              {} (empty)
	Payload any `json:"payload"`
}