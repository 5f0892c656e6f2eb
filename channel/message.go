package channel

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// EnvelopeVersion is the schema version of every encoded message.
const EnvelopeVersion = 1

// AnyWorker in Task.TaskWorkerID lets the manager pick the first idle task worker.
const AnyWorker = -1

type MessageType uint8

const (
	TypeTask MessageType = iota + 1
	TypeTaskResult
	TypeTaskFinish
	TypeTick
)

var typeNames = map[MessageType]string{
	TypeTask:       "task",
	TypeTaskResult: "task_result",
	TypeTaskFinish: "task_finish",
	TypeTick:       "tick",
}

func (t MessageType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

func (t MessageType) MarshalText() ([]byte, error) {
	s, ok := typeNames[t]
	if !ok {
		return nil, errors.Errorf("channel: unknown message type %d", t)
	}
	return []byte(s), nil
}

func (t *MessageType) UnmarshalText(b []byte) error {
	for k, v := range typeNames {
		if v == string(b) {
			*t = k
			return nil
		}
	}
	return errors.Errorf("channel: unknown message type %q", b)
}

// Task is one unit of offloaded work plus its routing.
//
// A socket worker creates it with FromWorkerID, CallbackID and Data; the manager assigns
// TaskID and TaskWorkerID; the task worker fills Result or Error and clears Data.
type Task struct {
	TaskID       uint64 `json:"task_id"`
	FromWorkerID int    `json:"from_worker_id"`
	TaskWorkerID int    `json:"task_worker_id"`
	CallbackID   string `json:"callback_id,omitempty"`
	Data         []byte `json:"data,omitempty"`
	Result       []byte `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Message is the tagged union carried by one frame. Task is nil for TypeTick.
type Message struct {
	Type MessageType
	Task *Task
}

type envelope struct {
	V    int         `json:"v"`
	Type MessageType `json:"type"`
	Task *Task       `json:"task,omitempty"`
}

func EncodeMessage(m *Message) ([]byte, error) {
	if m.Type != TypeTick && m.Task == nil {
		return nil, errors.Errorf("channel: %s message without task", m.Type)
	}
	b, err := json.Marshal(envelope{V: EnvelopeVersion, Type: m.Type, Task: m.Task})
	return b, errors.Wrap(err, "channel: encode")
}

func DecodeMessage(b []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errors.Wrap(err, "channel: decode")
	}
	if env.V != EnvelopeVersion {
		return nil, errors.Errorf("channel: unsupported envelope version %d", env.V)
	}
	if _, ok := typeNames[env.Type]; !ok {
		return nil, errors.Errorf("channel: missing message type")
	}
	if env.Type != TypeTick && env.Task == nil {
		return nil, errors.Errorf("channel: %s message without task", env.Type)
	}
	return &Message{Type: env.Type, Task: env.Task}, nil
}
