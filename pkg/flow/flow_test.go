package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TeoSlayer/hopwire/pkg/protocol"
)

func TestSlowStartThenAvoidance(t *testing.T) {
	c := NewController()
	require.Equal(t, MSS, c.Window())

	c.OnAck()
	assert.Equal(t, 2*MSS, c.Window(), "one ACK in slow start adds one MSS")

	for c.Window() < InitialSSThresh {
		c.OnAck()
	}
	assert.Equal(t, CongestionAvoidance, c.Phase())

	for i := 0; i < 100; i++ {
		before := c.Window()
		c.OnAck()
		assert.LessOrEqual(t, c.Window()-before, MSS*MSS/before+1)
	}
}

func TestWindowBounds(t *testing.T) {
	c := NewController()
	for i := 0; i < 1_000_000 && c.Window() < MaxCongWin; i++ {
		c.OnAck()
	}
	c.OnAck()
	assert.Equal(t, MaxCongWin, c.Window())

	for i := 0; i < 50; i++ {
		c.OnLoss()
		require.GreaterOrEqual(t, c.Window(), MinCongWin)
		require.GreaterOrEqual(t, c.SSThresh(), MinCongWin)
	}
}

func TestLossHalvesThreshold(t *testing.T) {
	c := NewController()
	for c.Window() < 20*MSS {
		c.OnAck()
	}
	w := c.Window()
	c.OnLoss()
	assert.Equal(t, w/2, c.SSThresh())
	assert.Equal(t, MinCongWin, c.Window())
	assert.Equal(t, SlowStart, c.Phase())
}

func TestTripleDupAckFastRecovery(t *testing.T) {
	now := time.Unix(1000, 0)
	w := NewSendWindow(100)
	w.SetPeerWindow(64)
	for w.CC.Window() < 8*MSS {
		w.CC.OnAck()
	}
	for i := 0; i < 4; i++ {
		w.Push([]byte{byte(i)}, now)
	}
	cwnd := w.CC.Window()

	var fast *Segment
	for i := 0; i < 3; i++ {
		res, err := w.OnAck(100, 0, true, now)
		require.NoError(t, err)
		assert.True(t, res.Duplicate)
		if res.FastRetransmit != nil {
			fast = res.FastRetransmit
		}
	}
	require.NotNil(t, fast)
	assert.Equal(t, uint32(100), fast.Seq)
	assert.Equal(t, FastRecovery, w.CC.Phase())
	assert.Equal(t, cwnd/2, w.CC.Window(), "window held at the new threshold")

	// A fourth duplicate does not inflate the window.
	_, err := w.OnAck(100, 0, true, now)
	require.NoError(t, err)
	assert.Equal(t, cwnd/2, w.CC.Window())
}

func TestDataPiggybackIsNotDuplicate(t *testing.T) {
	now := time.Now()
	w := NewSendWindow(0)
	w.Push([]byte("a"), now)
	for i := 0; i < 5; i++ {
		res, err := w.OnAck(0, 0, false, now)
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
	}
}

func TestAckBeyondSentIsRejected(t *testing.T) {
	w := NewSendWindow(10)
	w.Push([]byte("a"), time.Now())
	_, err := w.OnAck(20, 0, true, time.Now())
	require.Error(t, err)
	assert.True(t, protocol.IsCode(err, protocol.CodeInvalidSequence))
}

func TestCumulativeAckSamplesRTT(t *testing.T) {
	start := time.Unix(0, 0)
	w := NewSendWindow(0)
	w.SetPeerWindow(16)
	w.Push([]byte("a"), start)
	w.Push([]byte("b"), start)

	res, err := w.OnAck(2, 0, true, start.Add(80*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Acked)
	assert.Equal(t, 0, w.InFlight())
	assert.Equal(t, 80*time.Millisecond, w.RTT.SRTT)
	assert.Equal(t, RTOMin+40*time.Millisecond, w.RTT.RTO)
}

func TestSACKSuppressesRetransmit(t *testing.T) {
	start := time.Unix(0, 0)
	w := NewSendWindow(0)
	w.SetPeerWindow(16)
	for i := 0; i < 4; i++ {
		w.Push([]byte{byte(i)}, start)
	}
	// Peer holds 2 and 3; bit i names ack+1+i.
	res, err := w.OnAck(0, 0b110, false, start)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sacked)

	expired := w.Expired(start.Add(2 * time.Second))
	require.Len(t, expired, 2)
	assert.Equal(t, uint32(0), expired[0].Seq)
	assert.Equal(t, uint32(1), expired[1].Seq)
	assert.Equal(t, 2, expired[0].Attempts)
	assert.Equal(t, 2*InitialRTO, w.RTT.RTO)
	assert.Equal(t, MinCongWin, w.CC.Window())
}

func TestRTOClamp(t *testing.T) {
	e := NewRTTEstimator()
	for i := 0; i < 10; i++ {
		e.Backoff()
	}
	assert.Equal(t, RTOMax, e.RTO)

	e = NewRTTEstimator()
	e.Sample(time.Millisecond)
	assert.Equal(t, RTOMin, e.RTO)
}

func TestCanSendRespectsPeerWindow(t *testing.T) {
	now := time.Now()
	w := NewSendWindow(0)
	for w.CC.Window() < 10*MSS {
		w.CC.OnAck()
	}
	w.SetPeerWindow(2)
	assert.True(t, w.CanSend(1))
	w.Push([]byte("a"), now)
	assert.True(t, w.CanSend(1))
	w.Push([]byte("b"), now)
	assert.False(t, w.CanSend(1))

	w2 := NewSendWindow(0)
	w2.SetPeerWindow(0)
	assert.True(t, w2.CanSend(1), "zero window is probed with one segment")
}

func TestFragmentSetsChargeCongestionWindow(t *testing.T) {
	now := time.Now()
	w := NewSendWindow(0)
	for w.CC.Window() < 8*MSS {
		w.CC.OnAck()
	}
	w.SetPeerWindow(64)
	cwnd := w.CC.Segments()
	require.GreaterOrEqual(t, cwnd, 8)

	big := make([]byte, protocol.MaxMessageSize)
	assert.True(t, w.CanSend(len(big)), "an idle window takes any message")
	w.Push(big, now)
	assert.Equal(t, 1, w.InFlight())
	assert.Equal(t, protocol.MaxFragments, w.Outstanding())
	assert.False(t, w.CanSend(1), "a fragment set fills the congestion window")

	w2 := NewSendWindow(0)
	for w2.CC.Window() < 8*MSS {
		w2.CC.OnAck()
	}
	w2.SetPeerWindow(64)
	w2.Push([]byte("x"), now)
	assert.True(t, w2.CanSend((cwnd-1)*protocol.MaxSegmentPayload))
	assert.False(t, w2.CanSend(cwnd*protocol.MaxSegmentPayload))
	assert.Equal(t, 1, Datagrams(0))
	assert.Equal(t, 2, Datagrams(protocol.MaxSegmentPayload+1))
}

func TestReconcile(t *testing.T) {
	now := time.Now()
	w := NewSendWindow(50)
	for i := 0; i < 5; i++ {
		w.Push([]byte{byte(i)}, now)
	}
	again, err := w.Reconcile(53, now)
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, uint32(53), again[0].Seq)
	assert.Equal(t, uint32(53), w.LastAck())

	_, err = w.Reconcile(99, now)
	assert.Error(t, err)
}

func TestReceiveInOrderAndReorder(t *testing.T) {
	now := time.Now()
	r := NewReceiveWindow(7, 16)

	v, out := r.Accept(9, []byte("c"), now)
	assert.Equal(t, Buffered, v)
	assert.Nil(t, out)
	v, _ = r.Accept(8, []byte("b"), now)
	assert.Equal(t, Buffered, v)
	assert.Equal(t, uint32(0b11), r.SACK())

	v, out = r.Accept(7, []byte("a"), now)
	assert.Equal(t, InOrder, v)
	require.Len(t, out, 3)
	assert.Equal(t, "abc", string(out[0])+string(out[1])+string(out[2]))
	assert.Equal(t, uint32(10), r.Expected())
	assert.Zero(t, r.Buffered())
}

func TestReceiveDuplicateIsIdempotent(t *testing.T) {
	now := time.Now()
	r := NewReceiveWindow(0, 16)
	_, out := r.Accept(0, []byte("x"), now)
	require.Len(t, out, 1)

	for i := 0; i < 3; i++ {
		v, out := r.Accept(0, []byte("x"), now)
		assert.Equal(t, Duplicate, v)
		assert.Empty(t, out)
	}
	r.Accept(2, []byte("z"), now)
	v, _ := r.Accept(2, []byte("z"), now)
	assert.Equal(t, Duplicate, v)
	assert.Equal(t, uint32(1), r.Expected())
}

func TestReceiveOutOfWindow(t *testing.T) {
	now := time.Now()
	r := NewReceiveWindow(100, 4)
	assert.Equal(t, OutOfWindow, r.Check(104))
	v, _ := r.Accept(104, []byte("x"), now)
	assert.Equal(t, OutOfWindow, v)
	assert.Equal(t, Buffered, r.Check(103))
}

func TestSequenceWraparound(t *testing.T) {
	assert.True(t, SeqAfter(0, 0xFFFFFFFF))
	assert.False(t, SeqAfter(0xFFFFFFFF, 0))

	now := time.Now()
	r := NewReceiveWindow(0xFFFFFFFF, 8)
	r.Accept(0, []byte("b"), now)
	_, out := r.Accept(0xFFFFFFFF, []byte("a"), now)
	require.Len(t, out, 2)
	assert.Equal(t, uint32(1), r.Expected())
}

func TestReorderBufferExpires(t *testing.T) {
	start := time.Unix(0, 0)
	r := NewReceiveWindow(0, 16)
	r.Accept(2, []byte("c"), start)
	r.Accept(3, []byte("d"), start.Add(ReorderTimeout/2))
	require.Equal(t, uint32(0b110), r.SACK())

	assert.Zero(t, r.Expire(start.Add(ReorderTimeout-time.Millisecond)))
	assert.Equal(t, 1, r.Expire(start.Add(ReorderTimeout)))
	assert.Equal(t, uint32(0b100), r.SACK())
	assert.Equal(t, 15, r.Free())

	assert.Equal(t, Buffered, r.Check(2), "an expired slot takes the retransmission")
	v, out := r.Accept(1, []byte("b"), start.Add(ReorderTimeout))
	assert.Equal(t, Buffered, v)
	assert.Nil(t, out)
}

func TestRenegedSACKIsRetransmitted(t *testing.T) {
	start := time.Unix(0, 0)
	w := NewSendWindow(0)
	w.SetPeerWindow(16)
	for i := 0; i < 4; i++ {
		w.Push([]byte{byte(i)}, start)
	}
	res, err := w.OnAck(0, 0b110, false, start)
	require.NoError(t, err)
	require.Equal(t, 2, res.Sacked)
	_, ok := w.NextTimeout()
	require.True(t, ok)

	// The peer dropped seq 3 from its reorder buffer.
	res, err = w.OnAck(0, 0b010, false, start.Add(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reneged)
	assert.False(t, w.Find(3).Sacked)
	assert.True(t, w.Find(2).Sacked)

	expired := w.Expired(start.Add(2 * time.Second))
	seqs := make([]uint32, 0, len(expired))
	for _, s := range expired {
		seqs = append(seqs, s.Seq)
	}
	assert.Equal(t, []uint32{0, 1, 3}, seqs)
}
