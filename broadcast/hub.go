// Package broadcast fans telemetry and command records out to remote
// observers. Each observer owns a bounded queue drained by its own writer
// goroutine, so a slow or broken connection never delays the others: a full
// queue drops the record for that observer only, and a write error removes
// the observer.
package broadcast

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"teststand/internal/ratelimit"
	"teststand/metrics"
)

// ErrUnknownObserver is returned by SendTo for ids not in the hub.
var ErrUnknownObserver = errors.New("broadcast: unknown observer")

// Observer receives encoded frames. Send is only ever called from the
// observer's writer goroutine.
type Observer interface {
	ID() string
	Send(Frame) error
	Close() error
}

type member struct {
	obs       Observer
	queue     chan Frame
	done      chan struct{}
	once      sync.Once
	permanent bool
}

func (m *member) stop() {
	m.once.Do(func() { close(m.done) })
}

// Hub tracks observers and delivers records to them.
type Hub struct {
	codec     *Codec
	metrics   *metrics.Metrics
	queueSize int

	mu      sync.RWMutex
	members map[string]*member
	wg      sync.WaitGroup

	drops     *ratelimit.Counter
	sendFails *ratelimit.Counter
	published atomic.Uint64
}

// NewHub builds a hub; queueSize bounds each observer's pending frames.
func NewHub(codec *Codec, queueSize int, m *metrics.Metrics) *Hub {
	if codec == nil {
		codec = NewCodec(EncodingBinary)
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Hub{
		codec:     codec,
		metrics:   m,
		queueSize: queueSize,
		members:   make(map[string]*member),
		drops:     ratelimit.NewCounter(5 * time.Second),
		sendFails: ratelimit.NewCounter(30 * time.Second),
	}
}

// Codec returns the hub's encoder.
func (h *Hub) Codec() *Codec {
	return h.codec
}

// Add registers an observer. A write error removes it.
func (h *Hub) Add(obs Observer) {
	h.add(obs, false)
}

// AddPermanent registers an observer that stays registered through write
// errors, such as a broker bridge with its own reconnect logic.
func (h *Hub) AddPermanent(obs Observer) {
	h.add(obs, true)
}

func (h *Hub) add(obs Observer, permanent bool) {
	m := &member{
		obs:       obs,
		queue:     make(chan Frame, h.queueSize),
		done:      make(chan struct{}),
		permanent: permanent,
	}
	h.mu.Lock()
	old := h.members[obs.ID()]
	h.members[obs.ID()] = m
	count := len(h.members)
	h.mu.Unlock()
	if old != nil {
		old.stop()
		_ = old.obs.Close()
	}
	h.metrics.SetObservers(count)
	h.wg.Add(1)
	go h.writer(m)
}

func (h *Hub) writer(m *member) {
	defer h.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case f := <-m.queue:
			if err := m.obs.Send(f); err != nil {
				if m.permanent {
					if total, ok := h.sendFails.Inc(); ok {
						log.Printf("Broadcast: %s send failed (%d total): %v", m.obs.ID(), total, err)
					}
					continue
				}
				h.drop(m, err)
				return
			}
		}
	}
}

// Remove unregisters and closes an observer. Unknown ids are ignored.
func (h *Hub) Remove(id string, reason error) {
	h.mu.RLock()
	m := h.members[id]
	h.mu.RUnlock()
	if m != nil {
		h.drop(m, reason)
	}
}

// drop removes m unless it has already been replaced under the same id.
func (h *Hub) drop(m *member, reason error) {
	id := m.obs.ID()
	h.mu.Lock()
	current := h.members[id] == m
	if current {
		delete(h.members, id)
	}
	count := len(h.members)
	h.mu.Unlock()
	m.stop()
	if !current {
		return
	}
	_ = m.obs.Close()
	h.metrics.SetObservers(count)
	if reason != nil {
		log.Printf("Broadcast: observer %s removed: %v", id, reason)
	}
}

// Count returns the number of registered observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Publish encodes rec once and queues it for every observer.
func (h *Hub) Publish(rec Record) error {
	f, err := h.codec.Encode(rec)
	if err != nil {
		return err
	}
	h.mu.RLock()
	for _, m := range h.members {
		h.enqueue(m, f)
	}
	h.mu.RUnlock()
	h.published.Add(1)
	return nil
}

// SendTo queues rec for one observer.
func (h *Hub) SendTo(id string, rec Record) error {
	f, err := h.codec.Encode(rec)
	if err != nil {
		return err
	}
	h.mu.RLock()
	m, ok := h.members[id]
	if ok {
		h.enqueue(m, f)
	}
	h.mu.RUnlock()
	if !ok {
		return ErrUnknownObserver
	}
	return nil
}

func (h *Hub) enqueue(m *member, f Frame) {
	select {
	case m.queue <- f:
	default:
		h.metrics.BroadcastDropped()
		if total, ok := h.drops.Inc(); ok {
			log.Printf("Broadcast: queue full for %s, dropping %s (%d dropped total)", m.obs.ID(), f.Type, total)
		}
	}
}

// Published returns how many records were fanned out.
func (h *Hub) Published() uint64 {
	return h.published.Load()
}

// Dropped returns how many per-observer deliveries were dropped.
func (h *Hub) Dropped() uint64 {
	return h.drops.Total()
}

// Close removes every observer and waits for the writers to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	members := h.members
	h.members = make(map[string]*member)
	h.mu.Unlock()
	for _, m := range members {
		m.stop()
		_ = m.obs.Close()
	}
	h.metrics.SetObservers(0)
	h.wg.Wait()
}
