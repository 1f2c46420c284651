package pipeline

import (
	"sync"
	"time"

	"github.com/khaledhikmat/vs-infer/model"
)

type counters struct {
	mu              sync.Mutex
	startTime       time.Time
	decodedFrames   int
	publishedFrames int
	droppedFrames   int
	decodeErrors    int
	inferenceErrors int
	procTime        time.Duration
	inferTime       time.Duration
	inferences      int
}

func newCounters() *counters {
	return &counters{startTime: time.Now()}
}

func (c *counters) decoded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decodedFrames++
}

func (c *counters) published(procTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishedFrames++
	c.procTime += procTime
}

func (c *counters) dropped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.droppedFrames++
}

func (c *counters) inferred(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inferences++
	c.inferTime += d
}

func (c *counters) decodeError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decodeErrors++
}

func (c *counters) inferenceError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inferenceErrors++
}

// Stats returns the frame counters since the pipeline was created.
// AvgProcTime and AvgInferenceTime are in milliseconds.
func (p *Pipeline) Stats() model.PipelineStats {
	c := p.stats
	c.mu.Lock()
	defer c.mu.Unlock()

	uptime := time.Since(c.startTime)
	stats := model.PipelineStats{
		ID:              p.id,
		State:           p.State().String(),
		Scale:           p.Snapshot().Scale,
		Decoded:         c.decodedFrames,
		Published:       c.publishedFrames,
		Dropped:         c.droppedFrames,
		DecodeErrors:    c.decodeErrors,
		InferenceErrors: c.inferenceErrors,
		Uptime:          int64(uptime.Seconds()),
		Timestamp:       time.Now().Unix(),
	}
	if r := p.Result(); r != nil {
		stats.Processor = r.Processor
	}
	if uptime > 0 {
		stats.FPS = float64(c.publishedFrames) / uptime.Seconds()
	}
	if c.publishedFrames > 0 {
		stats.AvgProcTime = float64(c.procTime) / float64(time.Millisecond) / float64(c.publishedFrames)
	}
	if c.inferences > 0 {
		stats.AvgInferenceTime = float64(c.inferTime) / float64(time.Millisecond) / float64(c.inferences)
	}
	return stats
}
