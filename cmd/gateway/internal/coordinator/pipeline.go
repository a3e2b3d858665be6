package coordinator

import (
	"context"
	"hash/fnv"

	"go.uber.org/zap"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/pkg/models"
)

func (c *Coordinator) startPipeline() {
	c.pipeMu.Lock()
	defer c.pipeMu.Unlock()

	c.queues = make([]chan models.Event, c.opts.NumWorkers)
	for i := range c.queues {
		c.queues[i] = make(chan models.Event, c.opts.QueueSize)
		c.workerWG.Add(1)
		go c.worker(i, c.queues[i])
	}
	c.accepting = true
}

// stopPipeline closes the queues and waits for the workers to drain them.
func (c *Coordinator) stopPipeline() {
	c.pipeMu.Lock()
	c.accepting = false
	for _, q := range c.queues {
		close(q)
	}
	c.queues = nil
	c.pipeMu.Unlock()

	c.workerWG.Wait()
}

// enqueue is the stream callback. Events for one symbol always land on the
// same worker so their order is kept.
func (c *Coordinator) enqueue(ev models.Event) {
	c.pipeMu.RLock()
	defer c.pipeMu.RUnlock()
	if !c.accepting {
		return
	}

	id := workerID(ev.Symbol, len(c.queues))
	select {
	case c.queues[id] <- ev:
	default:
		c.metrics.EventDropped("queue_full")
		c.logger.Warn("Dropping slow event",
			zap.String("symbol", ev.Symbol), zap.String("channel", ev.Channel), zap.Int("worker_id", id))
	}
}

func (c *Coordinator) worker(id int, events <-chan models.Event) {
	defer c.workerWG.Done()

	for ev := range events {
		switch ev.Channel {
		case models.ChannelTicker:
			if ev.Tick == nil {
				continue
			}
			c.handleTick(*ev.Tick)
		case models.ChannelKline:
			if ev.Kline != nil {
				c.broadcaster.BroadcastToSubscribers(ev.Symbol, models.ChannelKline, ev.Kline)
			}
		case models.ChannelDepth:
			if ev.Depth != nil {
				c.broadcaster.BroadcastToSubscribers(ev.Symbol, models.ChannelDepth, ev.Depth)
			}
		default:
			c.logger.Debug("Unknown event channel", zap.String("channel", ev.Channel), zap.Int("worker_id", id))
		}
	}
}

func (c *Coordinator) handleTick(t models.Tick) {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	snap, applied, err := c.apply(ctx, t)
	if err != nil {
		c.metrics.EventDropped("storage")
		c.logger.Error("Dropping tick, storage write failed", zap.String("symbol", t.Symbol), zap.Error(err))
		return
	}
	if !applied {
		return
	}
	c.broadcaster.BroadcastToSubscribers(snap.Symbol, models.ChannelTicker, snap)
}

func workerID(symbol string, numWorkers int) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(numWorkers))
}
