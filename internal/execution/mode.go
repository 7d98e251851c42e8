package execution

import (
	"marketbot/internal/safety"
	"marketbot/internal/signal"
)

type Path string

const (
	PathSimulated Path = "simulated"
	PathLive      Path = "live"
)

// SelectPath is the only place that can route a trade to the exchange. A job
// goes live only when the process is in a live mode, startup confirmation
// succeeded and the job is not a test job. forced reports a live
// configuration that was downgraded.
func SelectPath(status safety.Status, job signal.Job) (path Path, forced bool) {
	switch {
	case !status.Configured.IsLive():
		return PathSimulated, false
	case !status.Live():
		return PathSimulated, true
	case job.Test:
		return PathSimulated, false
	default:
		return PathLive, false
	}
}
