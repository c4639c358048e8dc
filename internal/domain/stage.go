package domain

import "fmt"

// Stage is a step of the submission pipeline. Stages are strictly ordered and
// a submission can only advance one stage at a time.
type Stage int

const (
	StageReceived Stage = iota
	StageRateChecked
	StageEntitlementResolved
	StageExtracted
	StageContentAdmitted
	StageEntitlementConsumed
	StageAnalyzed
	StageDelivered
	StageAudited
)

var stageNames = [...]string{
	StageReceived:            "RECEIVED",
	StageRateChecked:         "RATE_CHECKED",
	StageEntitlementResolved: "ENTITLEMENT_RESOLVED",
	StageExtracted:           "EXTRACTED",
	StageContentAdmitted:     "CONTENT_ADMITTED",
	StageEntitlementConsumed: "ENTITLEMENT_CONSUMED",
	StageAnalyzed:            "ANALYZED",
	StageDelivered:           "DELIVERED",
	StageAudited:             "AUDITED",
}

func (s Stage) String() string {
	if s < StageReceived || s > StageAudited {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// Next returns the stage that follows s. The second value is false once the
// pipeline is complete.
func (s Stage) Next() (Stage, bool) {
	if s >= StageAudited {
		return s, false
	}
	return s + 1, true
}

// CanAdvanceTo reports whether target immediately follows s.
func (s Stage) CanAdvanceTo(target Stage) bool {
	next, ok := s.Next()
	return ok && next == target
}

// Consumed reports whether the entitlement has been committed at this stage.
func (s Stage) Consumed() bool {
	return s >= StageEntitlementConsumed
}
