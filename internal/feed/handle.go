package feed

import (
	"sync/atomic"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"
)

// Handle holds the published trip update feed. Readers get an immutable
// snapshot; the single writer builds a working copy and swaps it in whole.
type Handle struct {
	current atomic.Pointer[gtfs.FeedMessage]
}

// NewHandle returns a handle publishing an empty feed
func NewHandle(now time.Time) *Handle {
	h := &Handle{}
	h.current.Store(New(now))
	return h
}

// Load returns the published feed. Callers must not modify it.
func (h *Handle) Load() *gtfs.FeedMessage {
	return h.current.Load()
}

// Working returns a deep copy of the published feed for the writer to mutate
func (h *Handle) Working() *gtfs.FeedMessage {
	return proto.Clone(h.current.Load()).(*gtfs.FeedMessage)
}

// Publish makes msg the feed seen by readers. msg must not be modified afterwards.
func (h *Handle) Publish(msg *gtfs.FeedMessage) {
	h.current.Store(msg)
}
