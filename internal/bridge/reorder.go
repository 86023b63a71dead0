package bridge

import "github.com/AgustinSRG/live-media-core/internal/clock"

// reorderQueueDefaultTimeoutMs and maxLen mirror srt_to_rtmp.cpp's
// QUEUE_DEF_TIMEOUT/QUEUE_LEN_MAX: how long mix-correct mode is willing
// to hold back an out-of-order frame waiting for an earlier-dts one from
// the other track, and the hard cap that forces a flush regardless.
const (
	reorderQueueDefaultTimeoutMs = 500
	reorderQueueMaxLen           = 100
)

type reorderItem struct {
	dts  int64
	seq  uint64 // insertion order, breaks ties between same-dts items FIFO
	kind int    // frameKindEncode's packed value; srt_ingest.go decodes it with frameKindDecode
	data []byte
}

// reorderQueue is srt_to_rtmp.cpp's rtmp_packet_queue translated to Go: a
// dts-ordered buffer that releases its head once wall-clock elapsed time
// has run ahead of the dts gap since the first packet by at least the
// timeout, so audio and
// video frames demuxed from independent MPEG-TS PIDs (and therefore
// arriving in bursts, not in strict timestamp order) get interleaved
// correctly before they reach the shared source.
type reorderQueue struct {
	clk         clock.Clock
	timeoutMs   int64
	items       []reorderItem
	nextSeq     uint64
	firstDts    int64
	firstLocal  int64
	haveFirst   bool
}

func newReorderQueue(clk clock.Clock) *reorderQueue {
	return &reorderQueue{clk: clk, timeoutMs: reorderQueueDefaultTimeoutMs}
}

// Push inserts one item, keeping items sorted by dts (insertion sort: the
// queue is small and bounded by reorderQueueMaxLen, so this stays cheap).
func (q *reorderQueue) Push(dts int64, kind int, data []byte) {
	if !q.haveFirst {
		q.firstDts = dts
		q.firstLocal = q.clk.NowMicros() / 1000
		q.haveFirst = true
	}
	item := reorderItem{dts: dts, seq: q.nextSeq, kind: kind, data: data}
	q.nextSeq++

	i := len(q.items)
	for i > 0 && (q.items[i-1].dts > dts || (q.items[i-1].dts == dts && q.items[i-1].seq > item.seq)) {
		i--
	}
	q.items = append(q.items, reorderItem{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = item
}

// ready mirrors rtmp_packet_queue::is_ready: never ready below two
// buffered items (nothing to reorder against yet), always ready at the
// length cap, otherwise ready once the wall-clock gap since the first
// packet exceeds the head item's dts gap by at least timeoutMs.
func (q *reorderQueue) ready() bool {
	if len(q.items) < 2 {
		return false
	}
	if len(q.items) >= reorderQueueMaxLen {
		return true
	}
	nowMs := q.clk.NowMicros() / 1000
	elapsedLocal := nowMs - q.firstLocal
	elapsedDts := q.items[0].dts - q.firstDts
	return elapsedLocal-elapsedDts >= q.timeoutMs
}

// Pop returns the head item if ready, per get_rtmp_data.
func (q *reorderQueue) Pop() (reorderItem, bool) {
	if !q.ready() {
		return reorderItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.haveFirst = false
	}
	return item, true
}

// Drain pops every currently ready item, in dts order.
func (q *reorderQueue) Drain() []reorderItem {
	var out []reorderItem
	for {
		item, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, item)
	}
}
