package virtio

// QueueSubState tracks how far a queue's configuration has progressed.
// It only ever advances Selected -> SizeSet -> AddressSet -> Ready; a
// ready queue is immutable until device reset.
type QueueSubState int

const (
	QueueSelected QueueSubState = iota
	QueueSizeSet
	QueueAddressSet
	QueueReady
)

func (s QueueSubState) String() string {
	switch s {
	case QueueSelected:
		return "selected"
	case QueueSizeSet:
		return "size-set"
	case QueueAddressSet:
		return "address-set"
	case QueueReady:
		return "ready"
	default:
		return "invalid"
	}
}

// Queue holds the negotiated state of one virtqueue: its size and the
// guest-physical addresses of the three rings.
type Queue struct {
	index   int
	size    uint16
	maxSize uint16
	ready   bool

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64
}

func (q *Queue) Index() int         { return q.index }
func (q *Queue) Size() uint16       { return q.size }
func (q *Queue) MaxSize() uint16    { return q.maxSize }
func (q *Queue) Ready() bool        { return q.ready }
func (q *Queue) DescAddr() uint64   { return q.descAddr }
func (q *Queue) AvailAddr() uint64  { return q.availAddr }
func (q *Queue) UsedAddr() uint64   { return q.usedAddr }

// SubState derives the queue's configuration sub-state from its fields.
// Ring addresses alone are not enough to reach AddressSet: without a
// size the queue has not passed SizeSet, and readying it would hand the
// backend zero-length rings.
func (q *Queue) SubState() QueueSubState {
	switch {
	case q.ready:
		return QueueReady
	case q.size != 0 && q.descAddr != 0 && q.availAddr != 0 && q.usedAddr != 0:
		return QueueAddressSet
	case q.size != 0:
		return QueueSizeSet
	default:
		return QueueSelected
	}
}

// Ring sizes for the negotiated queue size, used when resolving the
// rings into local memory for the backend handoff. Layout per the
// virtio spec: 16-byte descriptors, avail ring of uint16 entries with
// used_event trailing, used ring of 8-byte elements with avail_event.
func (q *Queue) DescBytes() uint64  { return 16 * uint64(q.size) }
func (q *Queue) AvailBytes() uint64 { return 4 + 2*uint64(q.size) + 2 }
func (q *Queue) UsedBytes() uint64  { return 4 + 8*uint64(q.size) + 2 }

func (q *Queue) reset() {
	q.size = 0
	q.ready = false
	q.descAddr = 0
	q.availAddr = 0
	q.usedAddr = 0
}
