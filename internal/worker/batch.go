package worker

import (
	"context"
	"sync"
	"time"

	"github.com/birbparty/fmdapi/internal/telemetry"
)

// BatchResult counts the outcomes of one batch
type BatchResult struct {
	Applied      int
	Unchanged    int
	Skipped      int
	Retried      int
	DeadLettered int
}

// Total returns the number of events in the batch
func (r BatchResult) Total() int {
	return r.Applied + r.Unchanged + r.Skipped + r.Retried + r.DeadLettered
}

// ProcessBatch applies msgs with at most Config.Concurrency in flight.
// Events for the same record are applied in delivery order.
func (p *Processor) ProcessBatch(ctx context.Context, msgs []Message) BatchResult {
	start := time.Now()

	// one lane per record keeps a create from overtaking its edit
	lanes := make(map[string][]Message)
	var order []string
	for _, m := range msgs {
		evt := m.RecordEvent()
		key := evt.Database + "\x00" + evt.Layout + "\x00" + evt.RecordID
		if _, ok := lanes[key]; !ok {
			order = append(order, key)
		}
		lanes[key] = append(lanes[key], m)
	}

	var mu sync.Mutex
	var result BatchResult
	sem := make(chan struct{}, p.config.Concurrency)
	var wg sync.WaitGroup

	for _, key := range order {
		lane := lanes[key]
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			for _, m := range lane {
				outcome := p.handle(ctx, m)
				telemetry.RecordSyncEvent(string(m.RecordEvent().Type), outcome)
				p.stats.record(outcome)

				mu.Lock()
				result.add(outcome)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	telemetry.RecordSyncBatch("events", len(msgs), time.Since(start))
	return result
}

func (r *BatchResult) add(outcome string) {
	switch outcome {
	case ResultApplied:
		r.Applied++
	case ResultUnchanged:
		r.Unchanged++
	case ResultSkipped:
		r.Skipped++
	case ResultRetried:
		r.Retried++
	case ResultDeadLettered:
		r.DeadLettered++
	}
}
