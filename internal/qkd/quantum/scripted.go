package quantum

import "fmt"

// ScriptedSource replays fixed draws, one queue per kind of draw. When a
// queue runs dry the draw is delegated to Fallback; with no Fallback it
// panics. It exists to pin down concrete protocol scenarios.
type ScriptedSource struct {
	Bits     []Bit
	Bases    []Basis
	Ints     []int
	Floats   []float64
	Fallback Source
}

// NextBit implements Source.
func (s *ScriptedSource) NextBit() Bit {
	if len(s.Bits) == 0 {
		return s.fallback("bit").NextBit()
	}
	b := s.Bits[0]
	s.Bits = s.Bits[1:]
	return b
}

// NextBasis implements Source.
func (s *ScriptedSource) NextBasis() Basis {
	if len(s.Bases) == 0 {
		return s.fallback("basis").NextBasis()
	}
	b := s.Bases[0]
	s.Bases = s.Bases[1:]
	return b
}

// Intn implements Source. Scripted values are reduced modulo n.
func (s *ScriptedSource) Intn(n int) int {
	if n <= 0 {
		panic("quantum: invalid argument to Intn")
	}
	if len(s.Ints) == 0 {
		return s.fallback("int").Intn(n)
	}
	v := s.Ints[0]
	s.Ints = s.Ints[1:]
	return v % n
}

// Float64 implements Source.
func (s *ScriptedSource) Float64() float64 {
	if len(s.Floats) == 0 {
		return s.fallback("float").Float64()
	}
	f := s.Floats[0]
	s.Floats = s.Floats[1:]
	return f
}

func (s *ScriptedSource) fallback(kind string) Source {
	if s.Fallback == nil {
		panic(fmt.Sprintf("quantum: scripted source exhausted (%s)", kind))
	}
	return s.Fallback
}
