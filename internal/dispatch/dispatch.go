// Package dispatch delivers task results back to the originating channel.
// Channel rendering and transport are external collaborators; this package
// owns the routing contract: truncation for constrained channels, the full
// result always reaching the default channel, and failures being logged
// rather than retried.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"errand/internal/logging"
	"errand/internal/types"
)

// smsLimit is the truncated summary length for SMS and voice channels.
const smsLimit = 480

// ChannelSender is one channel collaborator (email webhook, SMS gateway,
// voice renderer).
type ChannelSender interface {
	Send(ctx context.Context, ownerID, destination, text string) error
}

// Dispatcher routes outbound messages to channel collaborators.
type Dispatcher struct {
	senders map[types.Channel]ChannelSender

	// defaultChannel receives the untruncated result when the originating
	// channel only got a summary.
	defaultChannel types.Channel

	// routes maps an owner to the address the full result mirror goes to.
	// An SMS origin is a phone number, never a usable inbox.
	routes map[string]Route
}

// Route is an owner's default-channel delivery address.
type Route struct {
	Channel types.Channel
	Address string
}

// NewDispatcher builds a dispatcher over the registered channel senders.
func NewDispatcher(senders map[types.Channel]ChannelSender, defaultChannel types.Channel) *Dispatcher {
	if defaultChannel == "" {
		defaultChannel = types.ChannelEmail
	}
	return &Dispatcher{
		senders:        senders,
		defaultChannel: defaultChannel,
		routes:         make(map[string]Route),
	}
}

// RegisterOwner records where an owner's full results go when the
// originating channel only carries a summary.
func (d *Dispatcher) RegisterOwner(ownerID string, channel types.Channel, address string) {
	if channel == "" {
		channel = d.defaultChannel
	}
	d.routes[ownerID] = Route{Channel: channel, Address: address}
}

// Send delivers one message on one channel. Constrained channels get a
// truncated summary. Errors are logged and swallowed: dispatch never blocks
// or fails core logic.
func (d *Dispatcher) Send(ctx context.Context, channel types.Channel, ownerID, destination, text string) error {
	sender, ok := d.senders[channel]
	if !ok {
		logging.DispatchWarn("no sender for channel %s, dropping message to %s", channel, destination)
		return nil
	}

	body := text
	if constrained(channel) {
		body = summarize(text)
	}
	if err := sender.Send(ctx, ownerID, destination, body); err != nil {
		logging.DispatchWarn("send on %s to %s failed: %v", channel, destination, err)
	}
	return nil
}

// Deliver sends a finished task's result to its originating channel, and
// mirrors the full text to the default channel when the origin only
// received a summary.
func (d *Dispatcher) Deliver(ctx context.Context, task *types.Task) {
	text := task.ResponseText
	if text == "" {
		text = "Your task finished, but produced no output to report."
	}

	_ = d.Send(ctx, task.Channel, task.OwnerID, task.Origin, text)

	if constrained(task.Channel) {
		route, ok := d.routes[task.OwnerID]
		if !ok || route.Address == "" {
			logging.DispatchWarn("owner %s has no default-channel address, skipping full result mirror for task %s",
				task.OwnerID, task.ID)
		} else if route.Channel != task.Channel {
			if sender, ok := d.senders[route.Channel]; ok {
				if err := sender.Send(ctx, task.OwnerID, route.Address, text); err != nil {
					logging.DispatchWarn("full result mirror on %s failed: %v", route.Channel, err)
				}
			}
		}
	}
	logging.Dispatch("task %s result dispatched via %s", task.ID, task.Channel)
}

func constrained(c types.Channel) bool {
	return c == types.ChannelSMS || c == types.ChannelVoice
}

// summarize keeps the first lines that fit the SMS budget and notes where
// the full result lives.
func summarize(text string) string {
	if len(text) <= smsLimit {
		return text
	}
	cut := text[:smsLimit]
	if i := strings.LastIndexByte(cut, '\n'); i > smsLimit/2 {
		cut = cut[:i]
	}
	return fmt.Sprintf("%s\n(full result sent to your inbox)", strings.TrimSpace(cut))
}
