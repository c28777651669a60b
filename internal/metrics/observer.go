package metrics

type WorkerObserver interface {
	RecordJobProcessed(outcome string)
	RecordAttempts(n int)
	RecordRecordDuration(seconds float64)
	RecordOffsetCommit()
	RecordDeadLettered()
	RecordForwardError()
}

type NoopObserver struct{}

func (NoopObserver) RecordJobProcessed(_ string)    {}
func (NoopObserver) RecordAttempts(_ int)           {}
func (NoopObserver) RecordRecordDuration(_ float64) {}
func (NoopObserver) RecordOffsetCommit()            {}
func (NoopObserver) RecordDeadLettered()            {}
func (NoopObserver) RecordForwardError()            {}
