// Package scoring computes time-decayed trending scores for opportunities
// and composite health scores for repositories. Both are pure functions of
// their inputs and the supplied clock.
package scoring
