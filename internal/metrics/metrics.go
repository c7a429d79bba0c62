package metrics

import (
	"sync"
	"time"
)

// Collector collects relay metrics and renders them in Prometheus text format
// without an external client library.
type Collector struct {
	mu sync.RWMutex

	// Connection metrics
	connectionsOpen  int64
	connectionsTotal int64

	// Stream metrics
	streamsStarted  map[string]int64 // by provider
	streamsActive   map[string]int64 // by provider
	streamsEnded    map[string]int64 // by terminal status
	streamLatencyMS map[string]int64 // total stream duration by provider
	framesSent      int64
	malformedLines  map[string]int64 // by provider
	errorsByKind    map[string]int64 // error envelopes by kind

	// Stop metrics
	stopsAcked    int64
	stopsNotFound int64

	// Rate limit metrics
	rateLimitHits  int64
	rateLimitByKey map[string]int64

	// Token usage metrics
	totalPromptTokens     int64
	totalCompletionTokens int64
	tokensByModel         map[string]int64
	tokensByUser          map[string]int64

	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		streamsStarted:  make(map[string]int64),
		streamsActive:   make(map[string]int64),
		streamsEnded:    make(map[string]int64),
		streamLatencyMS: make(map[string]int64),
		malformedLines:  make(map[string]int64),
		errorsByKind:    make(map[string]int64),
		rateLimitByKey:  make(map[string]int64),
		tokensByModel:   make(map[string]int64),
		tokensByUser:    make(map[string]int64),
		startTime:       time.Now(),
	}
}

// ConnectionOpened records a new client connection.
func (c *Collector) ConnectionOpened() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connectionsOpen++
	c.connectionsTotal++
}

// ConnectionClosed records a client disconnect.
func (c *Collector) ConnectionClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connectionsOpen--
}

// StreamStarted records an upstream stream being opened.
func (c *Collector) StreamStarted(provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.streamsStarted[provider]++
	c.streamsActive[provider]++
}

// StreamEnded records a stream reaching its terminal envelope.
func (c *Collector) StreamEnded(provider, status string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.streamsActive[provider]--
	c.streamsEnded[status]++
	c.streamLatencyMS[provider] += duration.Milliseconds()
}

// FrameSent counts one delta frame delivered to a client.
func (c *Collector) FrameSent() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.framesSent++
}

// MalformedLine counts one dropped upstream line.
func (c *Collector) MalformedLine(provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.malformedLines[provider]++
}

// ErrorEnvelope counts one error envelope sent, by kind.
func (c *Collector) ErrorEnvelope(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.errorsByKind[kind]++
}

// StopRequest records the outcome of a stop message.
func (c *Collector) StopRequest(found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if found {
		c.stopsAcked++
	} else {
		c.stopsNotFound++
	}
}

// RecordRateLimitHit records a rate limit rejection.
func (c *Collector) RecordRateLimitHit(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rateLimitHits++
	c.rateLimitByKey[key]++
}

// RecordTokenUsage records token usage.
func (c *Collector) RecordTokenUsage(model, userID string, promptTokens, completionTokens int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalPromptTokens += promptTokens
	c.totalCompletionTokens += completionTokens

	if model != "" {
		c.tokensByModel[model] += promptTokens + completionTokens
	}
	if userID != "" {
		c.tokensByUser[userID] += promptTokens + completionTokens
	}
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Uptime                int64
	ConnectionsOpen       int64
	ConnectionsTotal      int64
	StreamsStarted        map[string]int64
	StreamsActive         map[string]int64
	StreamsEnded          map[string]int64
	StreamLatencyMS       map[string]int64
	FramesSent            int64
	MalformedLines        map[string]int64
	ErrorsByKind          map[string]int64
	StopsAcked            int64
	StopsNotFound         int64
	RateLimitHits         int64
	RateLimitByKey        map[string]int64
	TotalPromptTokens     int64
	TotalCompletionTokens int64
	TokensByModel         map[string]int64
	TokensByUser          map[string]int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:                int64(time.Since(c.startTime).Seconds()),
		ConnectionsOpen:       c.connectionsOpen,
		ConnectionsTotal:      c.connectionsTotal,
		StreamsStarted:        copyMap(c.streamsStarted),
		StreamsActive:         copyMap(c.streamsActive),
		StreamsEnded:          copyMap(c.streamsEnded),
		StreamLatencyMS:       copyMap(c.streamLatencyMS),
		FramesSent:            c.framesSent,
		MalformedLines:        copyMap(c.malformedLines),
		ErrorsByKind:          copyMap(c.errorsByKind),
		StopsAcked:            c.stopsAcked,
		StopsNotFound:         c.stopsNotFound,
		RateLimitHits:         c.rateLimitHits,
		RateLimitByKey:        copyMap(c.rateLimitByKey),
		TotalPromptTokens:     c.totalPromptTokens,
		TotalCompletionTokens: c.totalCompletionTokens,
		TokensByModel:         copyMap(c.tokensByModel),
		TokensByUser:          copyMap(c.tokensByUser),
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
