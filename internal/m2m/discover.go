package m2m

import "context"

// Candidate is a device node advertising a streaming M2M interface.
type Candidate struct {
	Path   string
	ID     string
	Card   string
	Driver string
	Caps   uint32
}

// FindCandidates lists the M2M nodes of the system in probe order. Nothing
// is cached between calls.
func FindCandidates() ([]Candidate, error) {
	return findV4L2()
}

// WaitForCandidates blocks until at least one M2M node exists or ctx ends.
func WaitForCandidates(ctx context.Context) ([]Candidate, error) {
	return waitV4L2(ctx)
}

// Device change actions.
const (
	ActionAdded   = "added"
	ActionRemoved = "removed"
)

// DeviceChange is an M2M node appearing or disappearing.
type DeviceChange struct {
	Action    string
	Candidate Candidate
}

// WatchCandidates reports M2M nodes added or removed after the call until
// ctx ends. Removed candidates carry only their path.
func WatchCandidates(ctx context.Context, changes chan<- DeviceChange) error {
	return watchV4L2(ctx, changes)
}

// InputFormats lists the pixel formats c accepts on its input queue and
// whether NV12 is among them.
func InputFormats(c Candidate) ([]string, bool, error) {
	return inputFormatsV4L2(c)
}

// CandidatePaths returns the paths of candidates in order.
func CandidatePaths(candidates []Candidate) []string {
	paths := make([]string, len(candidates))
	for i, c := range candidates {
		paths[i] = c.Path
	}
	return paths
}

func discoverPaths() ([]string, error) {
	candidates, err := FindCandidates()
	if err != nil {
		return nil, err
	}
	return CandidatePaths(candidates), nil
}
