package mqtt

import "strings"

// Filter derives the subscription filter for a base topic. An empty base
// subscribes to every topic at any depth; otherwise the filter covers
// every topic at any depth under "/<base>/".
func Filter(baseTopic string) string {
	if baseTopic == "" {
		return "#"
	}
	return "/" + baseTopic + "/#"
}

// Match reports whether topic matches filter under MQTT rules: "+"
// matches exactly one level, a trailing "#" matches the parent level and
// everything below it, and topics starting with "$" are never matched by
// a filter that starts with a wildcard.
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if strings.HasPrefix(topic, "$") && (filter[0] == '+' || filter[0] == '#') {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, f := range fl {
		if f == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
