// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"analysisqueue/src/logging"
)

// Listen subscribes to insert notifications on a postgres queue. The
// returned channel receives a value (coalesced) whenever tasks were added
// and is closed once ctx is done.
func Listen(ctx context.Context, dsn string) (<-chan struct{}, error) {
	report := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logging.Log("Queue listener event", slog.LevelWarn,
				slog.Int("event", int(ev)), slog.String("error", err.Error()))
		}
	}

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, report)
	if err := listener.Listen(NotifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		defer listener.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-listener.Notify:
				if !ok {
					return
				}
				// A nil notification means the connection was re-established
				// and events may have been missed, so wake anyway.
				select {
				case wake <- struct{}{}:
				default:
				}
			case <-time.After(90 * time.Second):
				go listener.Ping()
			}
		}
	}()

	return wake, nil
}
