package worker

import (
	"time"
)

// Outcome is how a processed job ended.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"      // computed, cached, children enqueued
	OutcomeSkipped     Outcome = "skipped"      // cache already fresh
	OutcomeDomainError Outcome = "domain_error" // runner error cached as the answer
	OutcomeUnexpected  Outcome = "unexpected"   // internal error cached, job finished as error
)

// Result 代表一次任務處理的結果
type Result struct {
	JobID    string
	JobType  string
	Outcome  Outcome
	Duration time.Duration
}
