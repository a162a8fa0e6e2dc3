package quantum

// Interception records what an eavesdropper observed on one qubit. The
// qubit forwarded to the receiver is re-prepared in Basis with value Bit.
type Interception struct {
	Basis Basis
	Bit   Bit
}

// Eavesdropper is an attack strategy applied to every qubit in transit.
//
// Intercept may measure q (collapsing it) and returns the interception it
// performed, or nil if it let the qubit pass untouched. index is the qubit's
// position in the transmission. src is the session's Source; strategies draw
// their randomness from it and keep no state of their own, so one value can
// be shared by any number of sessions and each run still replays bit for bit.
type Eavesdropper interface {
	Intercept(index int, q *Qubit, src Source) *Interception
}

// InterceptResend measures every qubit in a uniformly random basis and
// forwards a qubit prepared in that basis with the observed value.
type InterceptResend struct{}

// Intercept implements Eavesdropper.
func (InterceptResend) Intercept(_ int, q *Qubit, src Source) *Interception {
	return intercept(q, src.NextBasis(), src)
}

// PartialInterceptResend attacks each qubit independently with the given
// probability. The induced sifted error rate is Probability/4.
type PartialInterceptResend struct {
	Probability float64
}

// Intercept implements Eavesdropper.
func (p PartialInterceptResend) Intercept(_ int, q *Qubit, src Source) *Interception {
	if src.Float64() >= p.Probability {
		return nil
	}
	return intercept(q, src.NextBasis(), src)
}

// FixedBasisEavesdropper measures the qubit at transmission index i in
// Bases[i%len(Bases)]. It is meant for scripted scenarios.
type FixedBasisEavesdropper struct {
	Bases []Basis
}

// Intercept implements Eavesdropper.
func (f *FixedBasisEavesdropper) Intercept(index int, q *Qubit, src Source) *Interception {
	if len(f.Bases) == 0 {
		return nil
	}
	return intercept(q, f.Bases[index%len(f.Bases)], src)
}

// Probabilistic applies Strategy to each qubit independently with the given
// probability and lets the rest pass untouched.
type Probabilistic struct {
	Probability float64
	Strategy    Eavesdropper
}

// Intercept implements Eavesdropper.
func (p Probabilistic) Intercept(index int, q *Qubit, src Source) *Interception {
	if src.Float64() >= p.Probability {
		return nil
	}
	return p.Strategy.Intercept(index, q, src)
}

// intercept measures q in basis; the collapsed qubit is exactly the one an
// intercept-resend attacker re-emits.
func intercept(q *Qubit, basis Basis, src Source) *Interception {
	bit := q.Measure(basis, src.NextBit())
	return &Interception{Basis: basis, Bit: bit}
}

// Channel is a simulated quantum channel between a sender and a receiver,
// optionally tapped by an eavesdropper.
type Channel struct {
	eve Eavesdropper
}

// NewChannel creates a channel. A nil eve models an untapped channel.
func NewChannel(eve Eavesdropper) *Channel {
	return &Channel{eve: eve}
}

// Tapped reports whether an eavesdropper sits on the channel.
func (c *Channel) Tapped() bool {
	return c.eve != nil
}

// Send prepares the qubit at transmission index and pushes it through the
// channel. It returns the qubit as it arrives at the receiver and the
// interception, if any.
func (c *Channel) Send(index int, bit Bit, basis Basis, src Source) (Qubit, *Interception) {
	q := PrepareQubit(bit, basis)
	if c.eve == nil {
		return q, nil
	}
	seen := c.eve.Intercept(index, &q, src)
	return q, seen
}

// Receive measures an arriving qubit in basis.
func (c *Channel) Receive(q Qubit, basis Basis, src Source) Bit {
	return q.Measure(basis, src.NextBit())
}
