package worker

import "soulchat/internal/models"

type turnResult struct {
	userMessage    *models.Message
	botMessage     *models.Message
	conversationID string
	err            error
}

// Worker executes one job at a time and hands itself back to the pool in
// between.
type Worker struct {
	manager    *Manager
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(pool *jobChannelPool, manager *Manager) *Worker {
	return &Worker{
		manager:    manager,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		w.pool.Release(w.jobChannel)
		for job := range w.jobChannel {
			switch job.Type {
			case TurnJob:
				w.manager.handleTurn(job.Turn)
				w.manager.dispatcher.jobDone(job.userID())
				w.pool.Release(w.jobChannel)
			case ExchangeJob:
				w.manager.handleExchange(job.Exchange)
				w.manager.dispatcher.jobDone(job.userID())
				w.pool.Release(w.jobChannel)
			case StopJob:
				w.pool.retire(w.jobChannel)
				return
			}
		}
	}()
}
