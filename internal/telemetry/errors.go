package telemetry

import "errors"

// ErrDegraded marks a check failure that leaves the component usable.
var ErrDegraded = errors.New("degraded")

func isDegraded(err error) bool { return errors.Is(err, ErrDegraded) }
