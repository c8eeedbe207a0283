package stream

import (
	"fmt"
	"strings"
)

// TopicFormat is the topic shape item events are published under, for
// example "openhab/items/Kitchen_Light/state". The item name is taken
// positionally; a change of this shape on the hub side misroutes events.
const TopicFormat = "{namespace}/items/{item}/{event}"

const topicItemSegment = 2

// ItemNameFromTopic extracts the item name from an event topic.
func ItemNameFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) <= topicItemSegment || parts[topicItemSegment] == "" {
		return "", fmt.Errorf("topic %q does not match %s", topic, TopicFormat)
	}
	return parts[topicItemSegment], nil
}
