package flow

// Congestion window parameters, in bytes.
const (
	MSS             = 1460
	MinCongWin      = MSS
	MaxCongWin      = 1024 * 1024
	InitialSSThresh = 65535
)

// Phase is the congestion control phase.
type Phase uint8

const (
	SlowStart Phase = iota
	CongestionAvoidance
	FastRecovery
)

func (p Phase) String() string {
	switch p {
	case SlowStart:
		return "slow-start"
	case CongestionAvoidance:
		return "congestion-avoidance"
	case FastRecovery:
		return "fast-recovery"
	default:
		return "unknown"
	}
}

// Controller is a Reno-style congestion controller. The window is kept in
// bytes and always stays within [MinCongWin, MaxCongWin].
type Controller struct {
	cwnd     int
	ssthresh int
	phase    Phase
}

func NewController() *Controller {
	return &Controller{cwnd: MinCongWin, ssthresh: InitialSSThresh, phase: SlowStart}
}

func (c *Controller) Window() int   { return c.cwnd }
func (c *Controller) SSThresh() int { return c.ssthresh }
func (c *Controller) Phase() Phase  { return c.phase }

// Segments is the window expressed in whole segments (at least one).
func (c *Controller) Segments() int { return max(1, c.cwnd/MSS) }

func (c *Controller) clamp() {
	c.cwnd = min(max(c.cwnd, MinCongWin), MaxCongWin)
}

func (c *Controller) halve() int {
	return max(c.cwnd/2, MinCongWin)
}

// OnAck grows the window for one ACK that advanced the cumulative point.
// Slow start adds one MSS per ACK, congestion avoidance adds MSS²/cwnd.
// A new ACK ends fast recovery.
func (c *Controller) OnAck() {
	switch c.phase {
	case FastRecovery:
		c.phase = CongestionAvoidance
	case SlowStart:
		c.cwnd += MSS
		if c.cwnd >= c.ssthresh {
			c.phase = CongestionAvoidance
		}
	case CongestionAvoidance:
		inc := MSS * MSS / c.cwnd
		if inc < 1 {
			inc = 1
		}
		c.cwnd += inc
	}
	c.clamp()
}

// OnLoss reacts to a retransmission timeout: halve the threshold, collapse
// the window and restart slow start.
func (c *Controller) OnLoss() {
	c.ssthresh = c.halve()
	c.cwnd = MinCongWin
	c.phase = SlowStart
}

// OnTripleDupAck enters fast recovery with the window held at the new
// threshold. Further duplicates during fast recovery do not change it.
func (c *Controller) OnTripleDupAck() {
	if c.phase == FastRecovery {
		return
	}
	c.ssthresh = c.halve()
	c.cwnd = c.ssthresh
	c.phase = FastRecovery
	c.clamp()
}

// Reset restores the initial state. Used after a sequence repair.
func (c *Controller) Reset() {
	c.cwnd = MinCongWin
	c.ssthresh = InitialSSThresh
	c.phase = SlowStart
}
