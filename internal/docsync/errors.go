package docsync

import (
	"errors"
	"fmt"
)

var (
	// ErrNotCoverable means the requested range is older than anything the
	// log still holds; the caller has to fall back to a full resend.
	ErrNotCoverable = errors.New("docsync: range not coverable")

	// ErrSeqMismatch is returned when a client's declared predecessor is not
	// the room's current seq.
	ErrSeqMismatch = errors.New("docsync: prevSeq does not match current seq")

	// ErrSeqConflict is returned by a DurableLog whose tail moved past the
	// expected predecessor (another process appended first).
	ErrSeqConflict = errors.New("docsync: durable log tail moved")

	ErrBadPayload     = errors.New("docsync: malformed update payload")
	ErrRoomNotFound   = errors.New("docsync: room not found")
	ErrRegistryClosed = errors.New("docsync: registry closed")
)

// SeqMismatchError is the ErrSeqMismatch returned by Room.Accept. Seq is the
// room's seq at the moment the update was turned away.
type SeqMismatchError struct {
	RoomID  string
	Seq     uint64
	PrevSeq uint64
	// Err is the durable log's conflict when another process appended first.
	Err error
}

func (e *SeqMismatchError) Error() string {
	msg := fmt.Sprintf("%v: room %s at %d, client sent %d", ErrSeqMismatch, e.RoomID, e.Seq, e.PrevSeq)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SeqMismatchError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrSeqMismatch, e.Err}
	}
	return []error{ErrSeqMismatch}
}

// Wire error codes.
const (
	CodeBadPayload   = "BAD_PAYLOAD"
	CodeRoomNotFound = "ROOM_NOT_FOUND"
	CodeSeqMismatch  = "SEQ_MISMATCH"
	CodeInternal     = "INTERNAL"
)

// CodeOf maps an error to the code sent to clients.
func CodeOf(err error) string {
	switch {
	case errors.Is(err, ErrBadPayload):
		return CodeBadPayload
	case errors.Is(err, ErrRoomNotFound):
		return CodeRoomNotFound
	case errors.Is(err, ErrSeqMismatch), errors.Is(err, ErrSeqConflict):
		return CodeSeqMismatch
	default:
		return CodeInternal
	}
}
