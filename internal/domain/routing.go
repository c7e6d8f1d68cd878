package domain

// RouteAction is the three-tier dispatch decision.
type RouteAction string

const (
	RouteAutoUpdate   RouteAction = "AUTO_UPDATE"
	RouteUpdateNotify RouteAction = "UPDATE_AND_NOTIFY"
	RouteManualReview RouteAction = "MANUAL_REVIEW"
)

// Writes reports whether the action performs the dual-write.
func (a RouteAction) Writes() bool { return a == RouteAutoUpdate || a == RouteUpdateNotify }
