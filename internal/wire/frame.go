// Package wire implements the length-prefixed, self-describing frame
// protocol that every connection in the cluster — peer-to-peer and
// client-to-peer — speaks.
//
// Wire format:
//
//	<length:4 big-endian><json envelope {"tag": <n>, "body": <json body>}>
//
// length counts the bytes of the JSON envelope. A frame whose length exceeds
// MaxFrameSize causes the reader to close the connection without consuming
// the body.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
)

// MaxFrameSize is the largest frame a reader will accept, per spec §4.1.
const MaxFrameSize = 100 * 1024 * 1024

var (
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")
	ErrShortFrame    = errors.New("wire: short read")
	ErrUnknownTag    = errors.New("wire: unknown message tag")
)

// Tag identifies the variant carried by a frame's body.
type Tag uint8

const (
	TagElection Tag = iota + 1
	TagAlive
	TagCoordinator
	TagHeartbeat
	TagLeaderQuery
	TagLeaderResponse
	TagAssignRequest
	TagAssignResponse
	TagTaskRequest
	TagTaskResponse
	TagTaskAck
	TagTaskStatusQuery
	TagTaskStatusResponse
	TagLedgerAdd
	TagLedgerRemove
	TagLedgerSyncRequest
	TagLedgerSyncResponse
)

func (t Tag) String() string {
	switch t {
	case TagElection:
		return "Election"
	case TagAlive:
		return "Alive"
	case TagCoordinator:
		return "Coordinator"
	case TagHeartbeat:
		return "Heartbeat"
	case TagLeaderQuery:
		return "LeaderQuery"
	case TagLeaderResponse:
		return "LeaderResponse"
	case TagAssignRequest:
		return "AssignRequest"
	case TagAssignResponse:
		return "AssignResponse"
	case TagTaskRequest:
		return "TaskRequest"
	case TagTaskResponse:
		return "TaskResponse"
	case TagTaskAck:
		return "TaskAck"
	case TagTaskStatusQuery:
		return "TaskStatusQuery"
	case TagTaskStatusResponse:
		return "TaskStatusResponse"
	case TagLedgerAdd:
		return "LedgerAdd"
	case TagLedgerRemove:
		return "LedgerRemove"
	case TagLedgerSyncRequest:
		return "LedgerSyncRequest"
	case TagLedgerSyncResponse:
		return "LedgerSyncResponse"
	default:
		return "Unknown"
	}
}

// Frame is a single self-describing record: a tag plus its JSON-encoded
// body. A nil Body is valid for tags with no payload (e.g. LeaderQuery).
type Frame struct {
	Tag  Tag
	Body any
}

// Election is broadcast by a peer entering the Electing state.
type Election struct {
	FromID   uint32  `json:"fromId"`
	Priority float64 `json:"priority"`
}

// Alive answers an Election from a strictly better candidate.
type Alive struct {
	FromID uint32 `json:"fromId"`
}

// Coordinator announces the winner of an election.
type Coordinator struct {
	LeaderID uint32 `json:"leaderId"`
}

// Heartbeat carries a sender's liveness and current load.
type Heartbeat struct {
	FromID        uint32  `json:"fromId"`
	TimestampSecs uint64  `json:"timestampSecs"`
	Load          float64 `json:"load"`
}

// LeaderQuery asks a peer who it currently believes is the leader.
type LeaderQuery struct{}

// LeaderResponse answers a LeaderQuery.
type LeaderResponse struct {
	LeaderID uint32 `json:"leaderId"`
}

// AssignRequest is broadcast by a client discovering an assignee.
type AssignRequest struct {
	ClientName string `json:"clientName"`
	RequestID  uint64 `json:"requestId"`
}

// AssignResponse is sent by the leader in reply to an AssignRequest.
type AssignResponse struct {
	RequestID       uint64 `json:"requestId"`
	AssigneeID      uint32 `json:"assigneeId"`
	AssigneeAddress string `json:"assigneeAddress"`
}

// TaskRequest carries the client's secret payload to the assignee.
type TaskRequest struct {
	ClientName       string `json:"clientName"`
	RequestID        uint64 `json:"requestId"`
	SecretBytes      []byte `json:"secretBytes"`
	AssignedByLeader uint32 `json:"assignedByLeader"`
}

// TaskResponse carries the result of running the encoder adapter.
type TaskResponse struct {
	RequestID    uint64 `json:"requestId"`
	StegoBytes   []byte `json:"stegoBytes"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// TaskAck confirms the client received and validated a TaskResponse.
type TaskAck struct {
	ClientName string `json:"clientName"`
	RequestID  uint64 `json:"requestId"`
}

// TaskStatusQuery asks any peer who currently owns a RequestKey.
type TaskStatusQuery struct {
	ClientName string `json:"clientName"`
	RequestID  uint64 `json:"requestId"`
}

// TaskStatusResponse answers a TaskStatusQuery when the key is present.
type TaskStatusResponse struct {
	RequestID       uint64 `json:"requestId"`
	AssigneeID      uint32 `json:"assigneeId"`
	AssigneeAddress string `json:"assigneeAddress"`
}

// LedgerAdd replicates a ledger insert-or-overwrite to every peer.
type LedgerAdd struct {
	ClientName    string `json:"clientName"`
	RequestID     uint64 `json:"requestId"`
	AssigneeID    uint32 `json:"assigneeId"`
	TimestampSecs uint64 `json:"timestampSecs"`
}

// LedgerRemove replicates a ledger delete to every peer.
type LedgerRemove struct {
	ClientName string `json:"clientName"`
	RequestID  uint64 `json:"requestId"`
}

// LedgerSyncRequest asks a peer to dump its full ledger (used by a
// recovering peer to shorten its divergence window; not required by any
// invariant, best-effort only).
type LedgerSyncRequest struct {
	FromID uint32 `json:"fromId"`
}

// LedgerSyncEntry is one row of a LedgerSyncResponse.
type LedgerSyncEntry struct {
	ClientName    string `json:"clientName"`
	RequestID     uint64 `json:"requestId"`
	AssigneeID    uint32 `json:"assigneeId"`
	TimestampSecs uint64 `json:"timestampSecs"`
}

// LedgerSyncResponse answers a LedgerSyncRequest.
type LedgerSyncResponse struct {
	FromID  uint32            `json:"fromId"`
	Entries []LedgerSyncEntry `json:"entries"`
}

type envelope struct {
	Tag  Tag             `json:"tag"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Encode serializes f into its wire representation: a 4-byte big-endian
// length prefix followed by the JSON envelope.
func Encode(f Frame) ([]byte, error) {
	body, err := json.Marshal(f.Body)
	if err != nil {
		return nil, err
	}

	env, err := json.Marshal(envelope{Tag: f.Tag, Body: body})
	if err != nil {
		return nil, err
	}

	if len(env) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(env))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(env)))
	copy(buf[4:], env)

	return buf, nil
}

// WriteFrame writes f to w.
func WriteFrame(w io.Writer, f Frame) error {
	b, err := Encode(f)
	if err != nil {
		return err
	}

	_, err = w.Write(b)
	return err
}

// ReadFrame reads and decodes a single frame from r.
//
// Per spec §4.1, a frame whose declared length exceeds MaxFrameSize causes
// the connection to be treated as dead without consuming the body; the
// caller must close the underlying connection on ErrFrameTooLarge. A short
// read of either the length prefix or the body is likewise a hard error.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, ErrShortFrame
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, ErrShortFrame
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Frame{}, err
	}

	payload, err := decodeBody(env.Tag, env.Body)
	if err != nil {
		return Frame{}, err
	}

	return Frame{Tag: env.Tag, Body: payload}, nil
}

func decodeBody(tag Tag, raw json.RawMessage) (any, error) {
	var v any
	switch tag {
	case TagElection:
		v = &Election{}
	case TagAlive:
		v = &Alive{}
	case TagCoordinator:
		v = &Coordinator{}
	case TagHeartbeat:
		v = &Heartbeat{}
	case TagLeaderQuery:
		v = &LeaderQuery{}
	case TagLeaderResponse:
		v = &LeaderResponse{}
	case TagAssignRequest:
		v = &AssignRequest{}
	case TagAssignResponse:
		v = &AssignResponse{}
	case TagTaskRequest:
		v = &TaskRequest{}
	case TagTaskResponse:
		v = &TaskResponse{}
	case TagTaskAck:
		v = &TaskAck{}
	case TagTaskStatusQuery:
		v = &TaskStatusQuery{}
	case TagTaskStatusResponse:
		v = &TaskStatusResponse{}
	case TagLedgerAdd:
		v = &LedgerAdd{}
	case TagLedgerRemove:
		v = &LedgerRemove{}
	case TagLedgerSyncRequest:
		v = &LedgerSyncRequest{}
	case TagLedgerSyncResponse:
		v = &LedgerSyncResponse{}
	default:
		return nil, ErrUnknownTag
	}

	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, err
	}

	return v, nil
}
