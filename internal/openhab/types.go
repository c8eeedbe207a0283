package openhab

import (
	"context"
	"io"
)

// SystemInfo is the reply of the reachability probe.
type SystemInfo struct {
	Info struct {
		ConfigFolder   string `json:"configFolder"`
		UserdataFolder string `json:"userdataFolder"`
		OSName         string `json:"osName"`
		OSVersion      string `json:"osVersion"`
		JavaVersion    string `json:"javaVersion"`
		StartLevel     int    `json:"startLevel"`
	} `json:"systemInfo"`
}

// Item is one entry of GET /items.
type Item struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	State string `json:"state"`
	Label string `json:"label,omitempty"`
	Link  string `json:"link,omitempty"`
}

// Channel is a thing channel together with the items linked to it.
type Channel struct {
	UID            string   `json:"uid"`
	ID             string   `json:"id"`
	ChannelTypeUID string   `json:"channelTypeUID,omitempty"`
	LinkedItems    []string `json:"linkedItems"`
}

// Thing is one entry of GET /things.
type Thing struct {
	UID          string    `json:"UID"`
	Label        string    `json:"label"`
	ThingTypeUID string    `json:"thingTypeUID"`
	Channels     []Channel `json:"channels"`
}

// API is the read side of the hub used by the connection manager.
type API interface {
	SystemInfo(ctx context.Context) (*SystemInfo, error)
	Items(ctx context.Context) ([]Item, error)
	Things(ctx context.Context) ([]Thing, error)
	OpenStream(ctx context.Context) (io.ReadCloser, error)
}

// Commander sends item commands.
type Commander interface {
	SendCommand(ctx context.Context, item, command string) error
}
