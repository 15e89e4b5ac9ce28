package replicate

import "fmt"

// StreamMode selects how workers obtain random numbers.
type StreamMode int

const (
	// StreamShared draws every replicate from one locked generator. Results
	// are reproducible for a fixed seed only with a single worker.
	StreamShared StreamMode = iota
	// StreamPerReplicate derives an independent generator per replicate
	// index, so results do not depend on the worker count.
	StreamPerReplicate
)

func (m StreamMode) String() string {
	switch m {
	case StreamShared:
		return "shared"
	case StreamPerReplicate:
		return "per-replicate"
	default:
		return fmt.Sprintf("StreamMode(%d)", int(m))
	}
}

// ParseStreamMode accepts the names produced by String.
func ParseStreamMode(s string) (StreamMode, error) {
	switch s {
	case "shared", "":
		return StreamShared, nil
	case "per-replicate", "perreplicate", "replicate":
		return StreamPerReplicate, nil
	}
	return 0, fmt.Errorf("unknown stream mode %q", s)
}
