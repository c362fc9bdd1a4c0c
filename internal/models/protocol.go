package models

/*
LEARNING: ROOM SYNC PROTOCOL

JSON text frames, binary payloads base64 encoded by encoding/json.

  server → client   init      {seq, update}                 full state on connect
  client → server   update    {id, prevSeq, update}         one CRDT delta
  server → client   update    {prevSeq, seq, update}        rebroadcast, sender excluded
  client → server   pull      {id, fromSeq}                 explicit catch-up
  server → client   patch     {fromSeq, toSeq, updates}     records fromSeq+1..toSeq
  server → client   full      {seq, update}                 discard replica, reload
  server → client   ack       {id, ok, seq | code}          result of update / pull
  client → server   ack       {seq}                         "applied up to seq"
  both              awareness-update {update}               volatile presence blob

Seq fields are omitted when zero; a missing field decodes to 0, which is
the same value.
*/

// MessageType names a protocol frame
type MessageType string

const (
	MessageTypeInit            MessageType = "init"
	MessageTypeUpdate          MessageType = "update"
	MessageTypePull            MessageType = "pull"
	MessageTypePatch           MessageType = "patch"
	MessageTypeFull            MessageType = "full"
	MessageTypeAck             MessageType = "ack"
	MessageTypeAwareness       MessageType = "awareness-update"
	MessageTypeAwarenessRemove MessageType = "awareness-remove"
	MessageTypeJoin            MessageType = "join"
	MessageTypeLeave           MessageType = "leave"
	MessageTypeError           MessageType = "error"
)

// Message is a single protocol frame
type Message struct {
	Type     MessageType `json:"type"`
	ID       uint64      `json:"id,omitempty"`
	Seq      uint64      `json:"seq,omitempty"`
	PrevSeq  uint64      `json:"prevSeq,omitempty"`
	FromSeq  uint64      `json:"fromSeq,omitempty"`
	ToSeq    uint64      `json:"toSeq,omitempty"`
	Update   []byte      `json:"update,omitempty"`
	Updates  [][]byte    `json:"updates,omitempty"`
	Producer string      `json:"producer,omitempty"`
	OK       *bool       `json:"ok,omitempty"`
	Code     string      `json:"code,omitempty"`
	User     *UserInfo   `json:"user,omitempty"`
}

// Ack builds a successful acknowledgement of request id
func Ack(id, seq uint64) *Message {
	ok := true
	return &Message{Type: MessageTypeAck, ID: id, OK: &ok, Seq: seq}
}

// Nack builds a failed acknowledgement carrying an error code
func Nack(id uint64, code string, seq uint64) *Message {
	ok := false
	return &Message{Type: MessageTypeAck, ID: id, OK: &ok, Code: code, Seq: seq}
}

// Failed reports whether m is an ack with ok=false
func (m *Message) Failed() bool {
	return m.Type == MessageTypeAck && m.OK != nil && !*m.OK
}
