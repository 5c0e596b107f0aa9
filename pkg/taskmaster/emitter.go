package taskmaster

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/curatorhq/curator/pkg/store"
)

// emitterBuffer is the bounded channel capacity between producers and
// the single event writer goroutine.
const emitterBuffer = 256

// emitter is the event bus writer: stages push structured events onto
// a bounded channel drained by one goroutine, so no progress state is
// shared between threads. When the channel is full the producer blocks
// until the writer catches up; events are never dropped or reordered.
type emitter struct {
	log   logrus.FieldLogger
	store store.Store
	ch    chan store.Event
	wg    sync.WaitGroup
}

func newEmitter(log logrus.FieldLogger, st store.Store) *emitter {
	return &emitter{
		log:   log.WithField("component", "events"),
		store: st,
		ch:    make(chan store.Event, emitterBuffer),
	}
}

// start launches the writer goroutine.
func (e *emitter) start() {
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		for event := range e.ch {
			e.write(event)
		}
	}()
}

// close drains remaining events and stops the writer. Producers must
// have stopped emitting before close is called.
func (e *emitter) close() {
	close(e.ch)
	e.wg.Wait()
}

// emit queues an event for the writer, blocking when the channel is
// full. A synchronous side write here would let a later event commit
// with a smaller id than one still sitting in the channel.
func (e *emitter) emit(runID string, taskID uint, level, typ string, payload map[string]any) {
	event := store.Event{
		RunID:  runID,
		TaskID: taskID,
		Level:  level,
		Type:   typ,
	}

	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			event.Payload = string(data)
		}
	}

	e.ch <- event
}

// write appends one event to the store. Event persistence failures are
// logged, never propagated: losing a progress event must not fail a
// task.
func (e *emitter) write(event store.Event) {
	if err := e.store.AppendEvent(context.Background(), &event); err != nil {
		e.log.WithError(err).
			WithField("run_id", event.RunID).
			WithField("type", event.Type).
			Warn("Failed to append event")
	}
}
