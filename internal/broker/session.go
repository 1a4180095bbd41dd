package broker

import (
	"context"
	"fmt"

	"github.com/recursive-emergence/terrascan/internal/bus"
	"github.com/recursive-emergence/terrascan/internal/cache"
)

// Session is anything that can receive a Message and expose the
// lifetime of the underlying connection. SSESession is the production
// adapter; tests use a simple in-memory fake.
type Session interface {
	Send(Message) error
	Context() context.Context
}

// subtileIdentity is the part of a key a replay/live handover needs to
// dedupe on — level + tile + subtile, without the task ID (the session
// is already scoped to one task).
type subtileIdentity struct {
	Level, TileRow, TileCol, SubRow, SubCol int
}

// ReplayAndStream implements the replay-then-live handover (spec §4.6):
// send grid_info, then every subtile currently in the cache across all
// levels, then switch to forwarding the task's live bus — without ever
// sending the same subtile twice and without ever missing one that
// completes exactly during the handover.
//
// The subscription is opened before the cache is read, so any subtile
// that completes during replay is already buffered on the subscriber
// channel by the time replay finishes; it is then delivered live and
// suppressed if replay already covered it.
func ReplayAndStream(session Session, task cache.Task, c cache.Cache, b *bus.Bus) error {
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	if err := session.Send(Message{
		Type: MessageGridInfo,
		GridInfo: &GridInfoPayload{
			TaskID: task.TaskID,
			GridY:  task.Grid.Y,
			GridX:  task.Grid.X,
			Levels: task.Levels,
			LatMin: task.Region.LatMin,
			LatMax: task.Region.LatMax,
			LonMin: task.Region.LonMin,
			LonMax: task.Region.LonMax,
		},
	}); err != nil {
		return fmt.Errorf("broker: sending grid_info: %w", err)
	}

	sent := make(map[subtileIdentity]bool)
	for level := 0; level < task.Levels; level++ {
		entries, err := c.List(task.TaskID, level)
		if err != nil {
			return fmt.Errorf("broker: listing level %d: %w", level, err)
		}
		for _, e := range entries {
			id := subtileIdentity{level, e.Key.TileRow, e.Key.TileCol, e.Key.SubRow, e.Key.SubCol}
			if sent[id] {
				continue
			}
			sent[id] = true
			if err := session.Send(tileMessage(level, e.Key.TileRow, e.Key.TileCol, e.Key.SubRow, e.Key.SubCol, e.Record.Elevation)); err != nil {
				return fmt.Errorf("broker: sending replayed tile: %w", err)
			}
		}
	}

	for {
		select {
		case <-session.Context().Done():
			return session.Context().Err()
		case ev, ok := <-sub.C():
			if !ok {
				if subErr := sub.Err(); subErr != nil {
					_ = session.Send(Message{Type: MessageError, Error: &ErrorPayload{Message: subErr.Error()}})
					return subErr
				}
				return nil
			}
			if ev.TaskID != task.TaskID {
				continue
			}
			id := subtileIdentity{ev.Level, ev.TileRow, ev.TileCol, ev.SubRow, ev.SubCol}
			if sent[id] {
				continue
			}
			sent[id] = true
			if err := session.Send(tileMessage(ev.Level, ev.TileRow, ev.TileCol, ev.SubRow, ev.SubCol, ev.Elevation)); err != nil {
				return fmt.Errorf("broker: sending live tile: %w", err)
			}
		}
	}
}

func tileMessage(level, tileRow, tileCol, subRow, subCol int, elevation float64) Message {
	return Message{
		Type: MessageTile,
		Tile: &TilePayload{
			Level: level, TileRow: tileRow, TileCol: tileCol,
			SubRow: subRow, SubCol: subCol,
			Elevation: elevation, HasData: !isNaN(elevation),
		},
	}
}

func isNaN(f float64) bool { return f != f }
