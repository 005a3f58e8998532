package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/fxoffline/internal/control"
	"github.com/l0p7/fxoffline/internal/transport/ws"
)

const clearTimeout = 10 * time.Second

// clearRemoteCaches attaches to a running worker as a page, asks it to drop
// every partition and waits for the matching confirmation.
func clearRemoteCaches(ctx context.Context, target string) error {
	endpoint, err := controlURL(target)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, clearTimeout)
	defer cancel()

	conn, err := ws.Dial(ctx, endpoint)
	if err != nil {
		return err
	}
	defer conn.Close()

	msg := control.NewMessage(control.ClearAllCaches)
	if err := conn.Post(ctx, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	for {
		ev, err := conn.Next(ctx)
		if err != nil {
			return fmt.Errorf("wait for %s: %w", control.CachesCleared, err)
		}
		if ev.Kind == control.EventMessage && ev.Message != nil &&
			ev.Message.Type == control.CachesCleared && ev.Message.ID == msg.ID {
			return nil
		}
	}
}

// controlURL turns a worker base URL into its websocket control endpoint.
func controlURL(target string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return "", fmt.Errorf("parse worker url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("worker url %q must use http, https, ws or wss", target)
	}
	if u.Host == "" {
		return "", fmt.Errorf("worker url %q has no host", target)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/control"
	}
	return u.String(), nil
}
