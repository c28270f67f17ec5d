package types

import "encoding/json"

// MessageType identifies the kind of frame exchanged over the agent↔server
// control-plane WebSocket. Every frame carries exactly one MessageType.
type MessageType string

const (
	// Agent → Server
	MsgAgentRegister   MessageType = "agent:register"
	MsgBackupStarted   MessageType = "backup:started"
	MsgBackupProgress  MessageType = "backup:progress"
	MsgAgentLog        MessageType = "agent:log"
	MsgBackupCompleted MessageType = "backup:completed"
	MsgBackupFailed    MessageType = "backup:failed"
	MsgHardlinkResult  MessageType = "hardlink:result"
	MsgManifestResult  MessageType = "manifest:result"
	MsgFSBrowseResult  MessageType = "fs:browse:response"

	// Server → Agent
	MsgAgentRegisterOK    MessageType = "agent:register:ok"
	MsgAgentRegisterError MessageType = "agent:register:error"
	MsgAgentUpdate        MessageType = "agent:update"
	MsgBackupStart        MessageType = "backup:start"
	MsgBackupCancel       MessageType = "backup:cancel"
	MsgFSBrowse           MessageType = "fs:browse"
)

// Envelope is the canonical frame shape sent over the control-plane socket:
//
//	{"type":"backup:progress","payload":{...}}
//
// Decode accepts a second, externally-tagged shape as a fallback —
// {"backup:progress":{...}} — for peers that serialize a single-key map
// instead of the canonical envelope. Encode always emits the canonical shape.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// RequestID correlates a request/response pair (e.g. fs:browse and
	// fs:browse:response). Empty for fire-and-forget messages.
	RequestID string `json:"request_id,omitempty"`
}

// Encode marshals an Envelope carrying payload as its Payload field.
func Encode(typ MessageType, requestID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, Payload: raw, RequestID: requestID}, nil
}

// DecodeEnvelope parses a raw frame, accepting either the canonical
// {"type":...,"payload":...} shape or the externally-tagged fallback shape
// {"<type>": <payload>} with at most one key.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var canonical Envelope
	if err := json.Unmarshal(raw, &canonical); err == nil && canonical.Type != "" {
		return canonical, nil
	}

	var tagged map[MessageType]json.RawMessage
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return Envelope{}, err
	}
	for typ, payload := range tagged {
		return Envelope{Type: typ, Payload: payload}, nil
	}
	return Envelope{}, errEmptyEnvelope
}

var errEmptyEnvelope = jsonErr("protocol: empty envelope")

type jsonErr string

func (e jsonErr) Error() string { return string(e) }

// ─── Payload shapes ──────────────────────────────────────────────────────────

// RegisterRequest is sent by the agent immediately after the WebSocket
// connects, before any job traffic.
type RegisterRequest struct {
	AgentID      string `json:"agent_id,omitempty"` // empty on first-ever connect
	Hostname     string `json:"hostname"`
	Version      string `json:"version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
}

// RegisterAck is the server's reply, assigning a stable agent ID.
type RegisterAck struct {
	AgentID string `json:"agent_id"`
}

// RegisterError is the server's reply when registration is rejected (e.g. the
// agent's record could not be resolved or created). The agent closes the socket and
// reconnects with exponential backoff; it does not retry immediately.
type RegisterError struct {
	Error string `json:"error"`
}

// AgentUpdate instructs the agent to fetch and install a new binary from
// DownloadPath before its next run. The agent only logs receipt locally; it
// sends no acknowledgement and does not perform the swap.
type AgentUpdate struct {
	DownloadPath string `json:"download_path"`
	Version      string `json:"version"`
}

// JobAssignment is pushed to an agent to start a backup run.
type JobAssignment struct {
	JobID           string   `json:"job_id"`
	SnapshotID      string   `json:"snapshot_id"`
	SourceRoots     []string `json:"source_roots"`
	Excludes        []string `json:"excludes,omitempty"`
	Compression     bool     `json:"compression"`
	ParallelismHint int      `json:"parallelism_hint"`
	PrevManifestURL string   `json:"prev_manifest_url,omitempty"`
}

// JobCancel instructs the agent to abort an in-progress job.
type JobCancel struct {
	JobID string `json:"job_id"`
}

// BackupStarted is emitted once a job begins executing, before the walk
// completes — the first sign of life the server sees for a dispatched job.
type BackupStarted struct {
	JobID string `json:"job_id"`
}

// ActiveFileProgress describes one file currently mid-transfer.
type ActiveFileProgress struct {
	Path             string  `json:"path"`
	TransferredBytes int64   `json:"transferred_bytes"`
	TotalBytes       int64   `json:"total_bytes"`
	Percent          float64 `json:"percent"`
}

// JobProgress is emitted periodically (every 250ms) while a job runs. Bytes
// and files already spliced in via hardlink are reported separately as
// Skipped*, since they never pass through the upload pool.
type JobProgress struct {
	JobID          string               `json:"job_id"`
	BackupType     string               `json:"backup_type"`
	FilesDone      int                  `json:"files_done"`
	FilesTotal     int                  `json:"files_total"`
	BytesDone      int64                `json:"bytes_done"`
	BytesTotal     int64                `json:"bytes_total"`
	BytesPerSecond float64              `json:"bytes_per_second"`
	ETASeconds     float64              `json:"eta_seconds"`
	ActiveFiles    []ActiveFileProgress `json:"active_files,omitempty"`
	SkippedFiles   int                  `json:"skipped_files"`
	SkippedBytes   int64                `json:"skipped_bytes"`
}

// JobLog carries a single structured log line for a running job.
type JobLog struct {
	JobID     string `json:"job_id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// JobComplete reports successful completion with final counters.
type JobComplete struct {
	JobID    string           `json:"job_id"`
	Counters SnapshotCounters `json:"counters"`
}

// JobFailed reports a terminal failure.
type JobFailed struct {
	JobID string `json:"job_id"`
	Error string `json:"error"`
}

// FSBrowseRequest asks an agent to list one directory, used by the dashboard
// to let an operator pick source roots when creating a job.
type FSBrowseRequest struct {
	Path string `json:"path"`
}

// FSEntry describes one child of a browsed directory.
type FSEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// FSBrowseResponse is the agent's reply to FSBrowseRequest. Error is set
// instead of Entries when the path could not be read.
type FSBrowseResponse struct {
	Path    string    `json:"path"`
	Entries []FSEntry `json:"entries,omitempty"`
	Error   string    `json:"error,omitempty"`
}
