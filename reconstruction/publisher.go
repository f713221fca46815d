package reconstruction

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/regardrgbd/rgbdscan/pointcloud"
	"github.com/regardrgbd/rgbdscan/spatialmath"
)

// Snapshot is the presentation view of the most recently fused frame.
type Snapshot struct {
	// Index is the sensor frame index.
	Index int
	// Extrinsic is the world-to-camera pose the frame was fused at.
	Extrinsic spatialmath.Pose
	// Cloud holds the frame's valid pixels in world coordinates.
	Cloud pointcloud.PointCloud

	Processed  int64
	Integrated int64
	Failed     int64
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	if s.Cloud != nil {
		out.Cloud = pointcloud.CloneToBasic(s.Cloud)
	}
	return &out
}

// UpdateKind classifies what changed in the model.
type UpdateKind int

const (
	// UpdateSnapshot follows every successful fusion.
	UpdateSnapshot UpdateKind = iota
	// UpdateFrameFailed follows a frame whose odometry failed.
	UpdateFrameFailed
	// UpdateStopped follows the fusion loop exiting, with Err set when it aborted.
	UpdateStopped
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateSnapshot:
		return "snapshot"
	case UpdateFrameFailed:
		return "frame_failed"
	case UpdateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("UpdateKind(%d)", int(k))
	}
}

// Update is delivered to observers.
type Update struct {
	Kind  UpdateKind
	Index int
	Err   error
}

// Observer receives updates on the fusion goroutine and must not block.
type Observer interface {
	OnUpdate(u Update)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(u Update)

// OnUpdate calls f.
func (f ObserverFunc) OnUpdate(u Update) {
	f(u)
}

// Publisher holds the latest snapshot and fans out updates. Publishing never blocks: an unread
// snapshot is replaced and pending notifications are coalesced into one.
type Publisher struct {
	mu      sync.Mutex
	latest  *Snapshot
	updates chan struct{}

	obsMu     sync.Mutex
	observers map[UpdateKind]map[uuid.UUID]Observer
}

// NewPublisher returns an empty publisher.
func NewPublisher() *Publisher {
	return &Publisher{
		updates:   make(chan struct{}, 1),
		observers: map[UpdateKind]map[uuid.UUID]Observer{},
	}
}

// Publish replaces the latest snapshot and signals Updates.
func (p *Publisher) Publish(s *Snapshot) {
	p.mu.Lock()
	p.latest = s
	p.mu.Unlock()
	select {
	case p.updates <- struct{}{}:
	default:
	}
	p.Notify(Update{Kind: UpdateSnapshot, Index: s.Index})
}

// Latest returns a deep copy of the latest snapshot, or nil before the first one.
func (p *Publisher) Latest() *Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest.Clone()
}

// Clear drops the latest snapshot.
func (p *Publisher) Clear() {
	p.mu.Lock()
	p.latest = nil
	p.mu.Unlock()
}

// Updates has a pending value whenever a snapshot was published since the last receive.
func (p *Publisher) Updates() <-chan struct{} {
	return p.updates
}

// Subscribe registers obs for updates of kind. The returned function unsubscribes it.
func (p *Publisher) Subscribe(kind UpdateKind, obs Observer) func() {
	id := uuid.New()
	p.obsMu.Lock()
	if p.observers[kind] == nil {
		p.observers[kind] = map[uuid.UUID]Observer{}
	}
	p.observers[kind][id] = obs
	p.obsMu.Unlock()
	return func() {
		p.obsMu.Lock()
		defer p.obsMu.Unlock()
		delete(p.observers[kind], id)
	}
}

// Notify delivers u to every observer subscribed to its kind.
func (p *Publisher) Notify(u Update) {
	p.obsMu.Lock()
	targets := make([]Observer, 0, len(p.observers[u.Kind]))
	for _, obs := range p.observers[u.Kind] {
		targets = append(targets, obs)
	}
	p.obsMu.Unlock()
	for _, obs := range targets {
		obs.OnUpdate(u)
	}
}
