package exchange

import (
	"errors"
	"fmt"

	"spotsim/internal/replay"
	"spotsim/pkg/types"
)

// AttachReplay builds a replay controller over the given sources using the
// configured mode and speed factor. Dispatched market ticks are published on
// the symbol's "@md" stream. The caller drives the returned controller
// (Start, Pause, Step, Wait); Stop on the exchange stops it too.
//
// A previous controller must be terminal before a new one can be attached.
func (e *Exchange) AttachReplay(sources ...replay.Source) (*replay.Controller, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.replay != nil && !e.replay.Status().Terminal() {
		return nil, fmt.Errorf("exchange: replay controller still %s", e.replay.Status())
	}
	rc, err := replay.New(replay.Config{
		Mode:        replay.Mode(e.cfg.Replay.Mode),
		SpeedFactor: e.cfg.Replay.SpeedFactor,
	}, sources, e.dispatchRecord, e.logger)
	if err != nil {
		return nil, err
	}
	e.replay = rc
	return rc, nil
}

// Replay returns the attached controller, or nil when none was attached.
func (e *Exchange) Replay() *replay.Controller {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replay
}

// dispatchRecord feeds one replayed record into the event bus. Unrecognized
// payloads are logged and skipped so a bad source cannot stall the clock.
func (e *Exchange) dispatchRecord(rec replay.Record) {
	switch data := rec.Data.(type) {
	case types.MarketTick:
		evt := types.Event{
			Stream:   types.StreamMarketData(data.Symbol),
			Priority: types.PriorityLow,
			Time:     rec.Time,
			Payload:  data,
		}
		if err := e.bus.Publish(evt); err != nil && !errors.Is(err, types.ErrClosed) {
			e.logger.Warn("replay event dropped", "stream", evt.Stream, "error", err)
		}
	default:
		e.logger.Warn("replay record has no dispatch route",
			"source", rec.Source, "seq", rec.Seq, "type", fmt.Sprintf("%T", rec.Data))
	}
}
