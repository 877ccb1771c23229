package constant

import (
	"encoding/json"
	"errors"
	"strings"
)

var ChannelModeMapping = map[string]ChannelMode{
	ChannelDatagram.String(): ChannelDatagram,
	ChannelPipe.String():     ChannelPipe,
}

const (
	ChannelDatagram ChannelMode = iota
	ChannelPipe
)

// ChannelMode selects the local transport between the daemon and its peer.
type ChannelMode int

// UnmarshalYAML unserialize ChannelMode with yaml
func (e *ChannelMode) UnmarshalYAML(unmarshal func(any) error) error {
	var tp string
	if err := unmarshal(&tp); err != nil {
		return err
	}
	mode, exist := ChannelModeMapping[strings.ToLower(tp)]
	if !exist {
		return errors.New("invalid channel mode")
	}
	*e = mode
	return nil
}

// MarshalYAML serialize ChannelMode with yaml
func (e ChannelMode) MarshalYAML() (any, error) {
	return e.String(), nil
}

// UnmarshalJSON unserialize ChannelMode with json
func (e *ChannelMode) UnmarshalJSON(data []byte) error {
	var tp string
	if err := json.Unmarshal(data, &tp); err != nil {
		return err
	}
	mode, exist := ChannelModeMapping[strings.ToLower(tp)]
	if !exist {
		return errors.New("invalid channel mode")
	}
	*e = mode
	return nil
}

// MarshalJSON serialize ChannelMode with json
func (e ChannelMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

func (e ChannelMode) String() string {
	switch e {
	case ChannelDatagram:
		return "datagram"
	case ChannelPipe:
		return "pipe"
	default:
		return "unknown"
	}
}
