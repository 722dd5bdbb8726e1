package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/net/websocket"

	"github.com/mcmanager/manager/internal/notify"
)

// WaitReady blocks until the manager reports that the start job settled.
// A failed job yields the event together with an error.
func (c *Client) WaitReady(ctx context.Context, serverID int64, jobID string) (notify.Event, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws"
	cfg, err := websocket.NewConfig(wsURL, c.baseURL)
	if err != nil {
		return notify.Event{}, fmt.Errorf("websocket config: %w", err)
	}
	cfg.Header = http.Header{}
	cfg.Header.Set("X-API-Key", c.apiKey)

	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return notify.Event{}, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	req := map[string]any{"action": notify.ActionServerReady, "serverId": serverID, "jobId": jobID}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return notify.Event{}, fmt.Errorf("register for job %s: %w", jobID, err)
	}

	decoder := json.NewDecoder(conn)
	for {
		var ev notify.Event
		if err := decoder.Decode(&ev); err != nil {
			if ctx.Err() != nil {
				return notify.Event{}, ctx.Err()
			}
			return notify.Event{}, fmt.Errorf("wait for job %s: %w", jobID, err)
		}
		if ev.JobID != "" && ev.JobID != jobID {
			continue
		}
		if ev.Error != "" {
			return ev, errors.New(ev.Error)
		}
		return ev, nil
	}
}
