package api

import (
	"context"

	"docsync/internal/docsync"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api/handlers) is the CONSUMER of the room registry, so the
interface lives HERE. Handlers only read rooms; they never take references
or accept updates, and the interface says so.
*/

// RoomDirectory is what handlers need from the room registry
type RoomDirectory interface {
	Rooms() []docsync.RoomStats
	Lookup(ctx context.Context, roomID string) (*docsync.Room, error)
}

var _ RoomDirectory = (*docsync.Registry)(nil)
