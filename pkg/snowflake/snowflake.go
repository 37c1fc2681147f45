package snowflake

import (
	"errors"
	"sync"
	"time"
)

const (
	// Epoch is 2024-01-01T00:00:00Z in milliseconds
	Epoch int64 = 1704067200000

	// NodeBits holds the number of bits to use for Node
	NodeBits uint8 = 10

	// StepBits holds the number of bits to use for Step
	StepBits uint8 = 12

	nodeMask  = -1 ^ (-1 << NodeBits)
	stepMask  = -1 ^ (-1 << StepBits)
	timeShift = NodeBits + StepBits
	nodeShift = StepBits
)

// ErrInvalidNode is returned for a node id outside [0, 1023]
var ErrInvalidNode = errors.New("invalid node ID")

// IDGenerator ID generator using snowflake algorithm. IDs are strictly
// increasing per generator even if the wall clock steps backwards.
type IDGenerator struct {
	mu        sync.Mutex
	timestamp int64
	nodeID    int64
	step      int64
	clock     func() int64
}

func wallMillis() int64 {
	return time.Now().UnixMilli()
}

// NewIDGenerator creates a new ID generator
func NewIDGenerator(nodeID int64) (*IDGenerator, error) {
	if nodeID < 0 || nodeID > nodeMask {
		return nil, ErrInvalidNode
	}

	return &IDGenerator{
		nodeID: nodeID,
		clock:  wallMillis,
	}, nil
}

// NextID generates a new ID
func (g *IDGenerator) NextID() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	if now < g.timestamp {
		// clock moved backwards: keep issuing from the last timestamp
		now = g.timestamp
	}

	if g.timestamp == now {
		g.step = (g.step + 1) & stepMask

		if g.step == 0 {
			// sequence exhausted, wait for next millisecond
			for now <= g.timestamp {
				now = g.clock()
				if now < g.timestamp {
					now = g.timestamp + 1
				}
			}
		}
	} else {
		g.step = 0
	}

	g.timestamp = now

	id := ((now - Epoch) << timeShift) |
		(g.nodeID << nodeShift) |
		g.step

	return uint64(id)
}

// ParseID splits an ID into its timestamp (ms), node ID and step
func ParseID(id uint64) (timestamp int64, nodeID int64, step int64) {
	v := int64(id)
	step = v & stepMask
	nodeID = (v >> nodeShift) & nodeMask
	timestamp = (v >> timeShift) + Epoch
	return
}

// Time returns the creation time encoded in id
func Time(id uint64) time.Time {
	ts, _, _ := ParseID(id)
	return time.UnixMilli(ts)
}
