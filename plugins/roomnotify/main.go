package main

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/meszmate/parley/pkg/plugin"
)

// RoomNotifyPlugin notifies on room activity
type RoomNotifyPlugin struct {
	api     plugin.API
	running bool
	unsub   []func()
}

// Name returns the plugin name
func (p *RoomNotifyPlugin) Name() string {
	return "roomnotify"
}

// Version returns the plugin version
func (p *RoomNotifyPlugin) Version() string {
	return "1.0.0"
}

// Description returns a short description
func (p *RoomNotifyPlugin) Description() string {
	return "Desktop notifications for room activity"
}

// Init initializes the plugin
func (p *RoomNotifyPlugin) Init(ctx context.Context, api plugin.API) error {
	p.api = api
	return nil
}

// Start starts the plugin
func (p *RoomNotifyPlugin) Start() error {
	if p.running {
		return nil
	}

	// Subscribe to messages
	unsubMessage := p.api.OnMessage(func(msg plugin.Message) {
		if msg.IsSystem {
			return
		}

		name := msg.SenderName
		if name == "" {
			name = msg.SenderNick
		}

		_ = sendNotification(name, msg.Body)
	})
	p.unsub = append(p.unsub, unsubMessage)

	// Subscribe to occupancy changes
	unsubOccupant := p.api.OnOccupant(func(roomID, nick string, left bool) {
		var message string
		if left {
			message = fmt.Sprintf("%s left %s", nick, roomID)
		} else {
			message = fmt.Sprintf("%s joined %s", nick, roomID)
		}

		_ = sendNotification("Parley", message)
	})
	p.unsub = append(p.unsub, unsubOccupant)

	p.running = true
	return nil
}

// Stop stops the plugin
func (p *RoomNotifyPlugin) Stop() error {
	if !p.running {
		return nil
	}

	for _, unsub := range p.unsub {
		unsub()
	}
	p.unsub = nil

	p.running = false
	return nil
}

// sendNotification sends a desktop notification
func sendNotification(title, body string) error {
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`display notification "%s" with title "%s"`, body, title)
		return exec.Command("osascript", "-e", script).Run()

	case "linux":
		return exec.Command("notify-send", title, body).Run()

	case "windows":
		// Windows Toast notifications require more complex implementation
		return nil

	default:
		return nil
	}
}

func main() {
	// This would use go-plugin to serve the plugin
	// Simplified for example purposes
}
