package matching

import "errors"

// ErrNoDriverAvailable is the reason recorded when a search ends without a
// driver. Match itself reports that case as ok == false, not as an error.
var ErrNoDriverAvailable = errors.New("no driver available")
