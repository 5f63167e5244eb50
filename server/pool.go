package server

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatrelay/wire"
)

// job is one inbound packet awaiting handler dispatch.
type job struct {
	conn *Conn
	pkt  *wire.Packet
}

// workerPool processes jobs on a fixed set of workers. Jobs are sharded by
// connection serial so packets from one sender are handled in receive
// order; no cross-sender ordering is implied.
type workerPool struct {
	shards []chan job
	run    func(job)
	wg     sync.WaitGroup
}

func newWorkerPool(workers int, run func(job)) *workerPool {
	if workers < 1 {
		workers = 1
	}

	p := &workerPool{
		shards: make([]chan job, workers),
		run:    run,
	}
	for i := range p.shards {
		p.shards[i] = make(chan job, 256)
		p.wg.Add(1)
		go p.worker(p.shards[i])
	}
	return p
}

// submit hands a job to the worker owning the connection's shard.
func (p *workerPool) submit(serial uint64, j job) {
	p.shards[int(serial%uint64(len(p.shards)))] <- j
}

// stop drains and terminates all workers. No submit may race with stop.
func (p *workerPool) stop() {
	for _, ch := range p.shards {
		close(ch)
	}
	p.wg.Wait()
}

func (p *workerPool) worker(ch chan job) {
	defer p.wg.Done()
	for j := range ch {
		p.safeRun(j)
	}
}

// safeRun shields the pool from handler panics: one bad message must not
// poison the loop.
func (p *workerPool) safeRun(j job) {
	defer func() {
		if r := recover(); r != nil {
			metricHandlerFailures.Inc()
			logrus.WithFields(logrus.Fields{
				"function":    "safeRun",
				"panic":       r,
				"packet_type": j.pkt.Type.String(),
			}).Error("Handler panicked")
		}
	}()
	p.run(j)
}
