// Package audio handles PulseAudio source discovery, selection, and PCM capture.
package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

var ErrNoInputDevice = errors.New("no audio input devices found")

// Device describes one Pulse input source.
type Device struct {
	ID          string
	Description string
	State       string
	Available   bool
	Muted       bool
	Default     bool
}

// Selection is the resolved capture source. Warning is set when a fallback was taken.
type Selection struct {
	Device   Device
	Warning  string
	Fallback bool
}

func newClient() (*pulse.Client, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("vesper"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	return client, nil
}

// ListDevices returns the Pulse input sources, flagging the server default.
func ListDevices(_ context.Context) ([]Device, error) {
	client, err := newClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	defaultSource, err := client.DefaultSource()
	if err != nil {
		return nil, fmt.Errorf("read default source: %w", err)
	}

	var infos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &infos); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		if info == nil || isMonitor(info.SourceName) {
			continue
		}
		devices = append(devices, Device{
			ID:          info.SourceName,
			Description: info.Device,
			State:       sourceState(info.State),
			Available:   portAvailable(info),
			Muted:       info.Mute,
			Default:     info.SourceName == defaultSource.ID(),
		})
	}
	return devices, nil
}

// SelectDevice resolves the configured input and fallback against the live source list.
func SelectDevice(ctx context.Context, input, fallback string) (Selection, error) {
	devices, err := ListDevices(ctx)
	if err != nil {
		return Selection{}, err
	}
	return choose(devices, input, fallback)
}

// choose picks input (or the default source), then fallback when the pick is muted or
// unplugged. "default" and "" both mean the server default.
func choose(devices []Device, input, fallback string) (Selection, error) {
	if len(devices) == 0 {
		return Selection{}, ErrNoInputDevice
	}

	primary, err := resolve(devices, input, "audio.input")
	if err != nil {
		return Selection{}, err
	}
	if usable(primary) {
		return Selection{Device: primary}, nil
	}

	reason := "unavailable"
	if primary.Muted {
		reason = "muted"
	}

	alt, err := resolve(devices, fallback, "audio.fallback")
	if err != nil {
		return Selection{}, fmt.Errorf("input %q is %s and no usable fallback: %w", primary.ID, reason, err)
	}
	switch {
	case !alt.Available:
		return Selection{}, fmt.Errorf("audio fallback device %q is not available", alt.ID)
	case alt.Muted:
		return Selection{}, fmt.Errorf("audio fallback device %q is muted", alt.ID)
	}

	return Selection{
		Device:   alt,
		Warning:  fmt.Sprintf("audio.input %q is %s; falling back to %q", primary.ID, reason, alt.ID),
		Fallback: alt.ID != primary.ID,
	}, nil
}

func resolve(devices []Device, term, field string) (Device, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" || term == "default" {
		for _, dev := range devices {
			if dev.Default {
				return dev, nil
			}
		}
		return Device{}, errors.New("default audio source is unavailable")
	}
	for _, dev := range devices {
		if matches(dev, term) {
			return dev, nil
		}
	}
	return Device{}, fmt.Errorf("%s %q did not match any device", field, term)
}

func usable(dev Device) bool {
	return dev.Available && !dev.Muted
}

func matches(dev Device, term string) bool {
	if term == "" {
		return false
	}
	return strings.Contains(strings.ToLower(dev.ID), term) ||
		strings.Contains(strings.ToLower(dev.Description), term)
}

// isMonitor filters the loopback sources Pulse exposes for every sink.
func isMonitor(name string) bool {
	return strings.HasSuffix(name, ".monitor")
}

func sourceState(state uint32) string {
	switch state {
	case 0:
		return "running"
	case 1:
		return "idle"
	case 2:
		return "suspended"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}

// portAvailable reads the active port's availability (unknown=0, no=1, yes=2).
func portAvailable(info *pulseproto.GetSourceInfoReply) bool {
	if len(info.Ports) == 0 {
		return true
	}
	for _, port := range info.Ports {
		if port.Name == info.ActivePortName {
			return port.Available != 1
		}
	}
	return true
}
