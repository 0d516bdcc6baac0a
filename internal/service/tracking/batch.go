package tracking

import (
	"context"
)

// BatchFailure describes one rejected entry of a batch.
type BatchFailure struct {
	Index    int    `json:"index"`
	DriverID string `json:"driver_id"`
	Err      error  `json:"-"`
	Reason   string `json:"reason"`
}

// BatchResult summarizes a batch of reports.
type BatchResult struct {
	Applied  int            `json:"applied"`
	Stale    int            `json:"stale"`
	Failures []BatchFailure `json:"failures,omitempty"`
}

// ReportBatch applies each report on its own. A bad entry never prevents
// the others from being applied; it is listed in Failures instead.
func (r *Registry) ReportBatch(ctx context.Context, reports []Report) BatchResult {
	var res BatchResult
	for i, rep := range reports {
		outcome, err := r.ReportLocation(ctx, rep)
		switch {
		case err != nil:
			res.Failures = append(res.Failures, BatchFailure{
				Index:    i,
				DriverID: rep.DriverID,
				Err:      err,
				Reason:   err.Error(),
			})
		case outcome == OutcomeStale:
			res.Stale++
		default:
			res.Applied++
		}
	}
	return res
}
