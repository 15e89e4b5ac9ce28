package lmm

import (
	"fmt"
	"strings"
)

// ResidualMethod selects how observation-level residuals are regenerated.
type ResidualMethod int

const (
	ResidualSignFlip  ResidualMethod = iota // independent ±1 per observation
	ResidualShuffle                         // one random permutation
	ResidualBootstrap                       // draw with replacement
)

func (m ResidualMethod) String() string {
	switch m {
	case ResidualBootstrap:
		return "bootstrap"
	case ResidualSignFlip:
		return "signflip"
	case ResidualShuffle:
		return "shuffle"
	default:
		return fmt.Sprintf("ResidualMethod(%d)", int(m))
	}
}

// ParseResidualMethod accepts the names produced by String.
func ParseResidualMethod(s string) (ResidualMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bootstrap":
		return ResidualBootstrap, nil
	case "signflip":
		return ResidualSignFlip, nil
	case "shuffle":
		return ResidualShuffle, nil
	}
	return 0, fmt.Errorf("unknown residual method %q", s)
}

// GroupMethod selects how the level vectors of a stratum are regenerated.
type GroupMethod int

const (
	GroupSignFlip GroupMethod = iota
	GroupShuffle
	GroupBootstrap
)

func (m GroupMethod) String() string {
	switch m {
	case GroupBootstrap:
		return "bootstrap"
	case GroupSignFlip:
		return "signflip"
	case GroupShuffle:
		return "shuffle"
	default:
		return fmt.Sprintf("GroupMethod(%d)", int(m))
	}
}

// ParseGroupMethod accepts the names produced by String.
func ParseGroupMethod(s string) (GroupMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bootstrap":
		return GroupBootstrap, nil
	case "signflip":
		return GroupSignFlip, nil
	case "shuffle":
		return GroupShuffle, nil
	}
	return 0, fmt.Errorf("unknown group method %q", s)
}

// BlupMethod selects which group-level estimates are resampled.
type BlupMethod int

const (
	BlupShrunken BlupMethod = iota // conditional modes from the fit
	BlupOLS                        // unshrunken least-squares estimates
)

func (m BlupMethod) String() string {
	switch m {
	case BlupShrunken:
		return "shrunken"
	case BlupOLS:
		return "ols"
	default:
		return fmt.Sprintf("BlupMethod(%d)", int(m))
	}
}

func ParseBlupMethod(s string) (BlupMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "shrunken", "ranef":
		return BlupShrunken, nil
	case "ols", "olsranef":
		return BlupOLS, nil
	}
	return 0, fmt.Errorf("unknown blup method %q", s)
}

// OLSMode selects whether least-squares group estimates are computed for
// all strata jointly or for each stratum on its own.
type OLSMode int

const (
	OLSSimultaneous OLSMode = iota
	OLSStratum
)

func (m OLSMode) String() string {
	switch m {
	case OLSSimultaneous:
		return "simultaneous"
	case OLSStratum:
		return "stratum"
	default:
		return fmt.Sprintf("OLSMode(%d)", int(m))
	}
}

func ParseOLSMode(s string) (OLSMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "simultaneous":
		return OLSSimultaneous, nil
	case "stratum":
		return OLSStratum, nil
	}
	return 0, fmt.Errorf("unknown OLS mode %q", s)
}

// Direction is the alternative of a permutation test.
type Direction int

const (
	Greater Direction = iota
	Lesser
	TwoSided
)

func (d Direction) String() string {
	switch d {
	case Greater:
		return "greater"
	case Lesser:
		return "lesser"
	case TwoSided:
		return "twosided"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "greater":
		return Greater, nil
	case "lesser", "less":
		return Lesser, nil
	case "twosided", "two-sided":
		return TwoSided, nil
	}
	return 0, fmt.Errorf("unknown test direction %q", s)
}

// Mode records which procedure produced a replicate table.
type Mode int

const (
	ModeBootstrap Mode = iota
	ModePermutation
)

func (m Mode) String() string {
	switch m {
	case ModeBootstrap:
		return "bootstrap"
	case ModePermutation:
		return "permutation"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}
