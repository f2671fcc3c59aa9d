package worker

// JobType selects what a pooled worker should do with a Job.
type JobType int

const (
	// TurnJob runs one threaded bot-conversation turn.
	TurnJob JobType = iota
	// ExchangeJob runs one ungrouped bot exchange.
	ExchangeJob
	// StopJob retires the receiving worker.
	StopJob
)

// Job is the unit handed from the dispatcher to a pooled worker.
type Job struct {
	Type     JobType
	Turn     *turnTask
	Exchange *exchangeTask
}

func (job Job) userID() string {
	switch job.Type {
	case TurnJob:
		return job.Turn.req.UserID
	case ExchangeJob:
		return job.Exchange.req.UserID
	default:
		return ""
	}
}
