package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"kaarya.org/internal/auth"
	"kaarya.org/internal/obs"
)

const (
	EventLoginSucceeded = "auth.login.succeeded"
	EventLoginFailed    = "auth.login.failed"
)

const defaultWriteTimeout = 5 * time.Second

var _ auth.Auditor = (*Dispatcher)(nil)

// Dispatcher records login attempts asynchronously. Record never blocks: when the queue is
// full the entry is dropped and counted.
type Dispatcher struct {
	store     auth.AuditStore
	ch        chan auth.LoginAudit
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	timeout   time.Duration
}

// NewDispatcher starts the writer goroutine. Close flushes queued entries.
func NewDispatcher(store auth.AuditStore, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	d := &Dispatcher{
		store:   store,
		ch:      make(chan auth.LoginAudit, buffer),
		done:    make(chan struct{}),
		timeout: defaultWriteTimeout,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case entry := <-d.ch:
			d.write(entry)
		case <-d.done:
			for {
				select {
				case entry := <-d.ch:
					d.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) write(entry auth.LoginAudit) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if d.store != nil {
		if err := d.store.Append(ctx, &entry); err != nil {
			d.drop()
			obs.Warn("login audit write failed", map[string]any{"audit_id": entry.ID, "error": err})
		}
	}
}

// Record enqueues entry and logs it as an audit event.
func (d *Dispatcher) Record(ctx context.Context, entry auth.LoginAudit) {
	if d == nil || d.closed.Load() {
		return
	}
	event := EventLoginSucceeded
	if entry.Outcome != auth.OutcomeSuccess {
		event = EventLoginFailed
	}
	fields := map[string]any{
		"identifier": entry.Identifier,
		"device_id":  entry.Device.DeviceID,
		"ip":         entry.Device.IP,
	}
	if entry.StaffID != nil {
		fields["staff_id"] = *entry.StaffID
	}
	if entry.Reason != "" {
		fields["reason"] = entry.Reason
	}
	_ = LogEvent(ctx, event, fields)

	select {
	case d.ch <- entry:
	case <-d.done:
	default:
		d.drop()
	}
}

func (d *Dispatcher) drop() {
	d.dropped.Add(1)
	obs.ObserveAuditDropped()
}

// Close stops accepting entries and waits until queued ones are written.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped reports entries lost to a full queue or a failed write.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
