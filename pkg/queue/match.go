package queue

import "strings"

// matchRoute reports whether a message published with key reaches a binding.
func matchRoute(kind Kind, binding, key string) bool {
	if kind != KindTopic {
		return binding == key
	}
	return matchTopic(strings.Split(binding, "."), strings.Split(key, "."))
}

// matchTopic implements AMQP topic semantics: "*" matches exactly one word,
// "#" matches zero or more.
func matchTopic(pattern, words []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(words); i++ {
				if matchTopic(pattern[1:], words[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(words) == 0 {
				return false
			}
		default:
			if len(words) == 0 || pattern[0] != words[0] {
				return false
			}
		}
		pattern = pattern[1:]
		words = words[1:]
	}
	return len(words) == 0
}
