package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/opsdeckhq/opsdeck/internal/realtime"
)

// watchTables joins the change feed of each backend table and logs row
// activity, keeping the workspace subscriptions warm while the agent runs.
func watchTables(ctx context.Context, rt *realtime.Client, logger *zerolog.Logger, tables ...string) error {
	for _, table := range tables {
		ch := rt.Channel(realtime.TableTopic(table))
		// Register before joining so events arriving right after the ack
		// are not lost.
		cancel := ch.On(func(event string, payload json.RawMessage) {
			if !realtime.IsChangeEvent(event) {
				return
			}
			var change realtime.ChangeEvent
			if err := json.Unmarshal(payload, &change); err != nil {
				logger.Warn().Err(err).Str("table", table).Msg("malformed change event")
				return
			}
			logger.Debug().
				Str("table", table).
				Str("event", event).
				Msg("table changed")
		})
		if err := ch.Join(ctx); err != nil {
			cancel()
			return fmt.Errorf("join change feed for %q: %w", table, err)
		}
	}
	return nil
}
