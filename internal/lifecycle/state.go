// Package lifecycle models the runtime that owns cache workers: it installs
// a worker per version token, decides when a waiting worker takes over, and
// routes intercepted requests to whichever worker is active.
package lifecycle

// State 是 worker 的生命周期状态，由 Host 持有并在每次请求时传给 Worker.Handle。
type State int

const (
	StateInstalling State = iota
	StateWaiting
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	}
	return "unknown"
}
