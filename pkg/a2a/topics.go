package a2a

import (
	"fmt"
	"regexp"
	"strings"
)

// Topic grammar. All topics share the mesh namespace prefix; the A2A fabric
// lives under {ns}a2a/v1/. Levels are separated by '/'. Subscription
// wildcards: '>' matches to the end of the topic, '*' matches one level.
const (
	versionPrefix        = "a2a/v1/"
	controlPrefix        = "sam/v1/control/"
	orchestratorAsyncSub = "solace-agent-mesh/v1/stimulus/orchestrator/asyncResponse"

	// WildcardTail matches one or more trailing levels.
	WildcardTail = ">"
	// WildcardLevel matches exactly one level.
	WildcardLevel = "*"
)

// DiscoveryTopic is where an agent publishes its card.
func DiscoveryTopic(ns, agent string) string {
	return ns + versionPrefix + "discovery/agentcards/" + agent
}

// DiscoverySubscription matches every agent's discovery topic.
func DiscoverySubscription(ns string) string {
	return ns + versionPrefix + "discovery/agentcards/" + WildcardTail
}

// AgentRequestTopic is the request topic for one agent.
func AgentRequestTopic(ns, agent string) string {
	return ns + versionPrefix + "agent/request/" + agent
}

// PeerResponseTopic is where peer subtask responses for one task land.
func PeerResponseTopic(ns, agent, taskID string) string {
	return ns + versionPrefix + "agent/response/" + agent + "/" + taskID
}

// PeerResponseSubscription matches all peer responses for one agent.
func PeerResponseSubscription(ns, agent string) string {
	return ns + versionPrefix + "agent/response/" + agent + "/" + WildcardTail
}

// PeerResponsePrefix is the prefix stripped to recover the task id from a
// peer-response topic.
func PeerResponsePrefix(ns, agent string) string {
	return ns + versionPrefix + "agent/response/" + agent + "/"
}

// GatewayResponseTopic is the per-task reply topic for a gateway.
func GatewayResponseTopic(ns, gateway, taskID string) string {
	return ns + versionPrefix + "gateway/response/" + gateway + "/" + taskID
}

// GatewayResponseSubscription matches all reply topics for a gateway.
func GatewayResponseSubscription(ns, gateway string) string {
	return ns + versionPrefix + "gateway/response/" + gateway + "/" + WildcardTail
}

// GatewayResponsePrefix is the prefix stripped to recover the task id.
func GatewayResponsePrefix(ns, gateway string) string {
	return ns + versionPrefix + "gateway/response/" + gateway + "/"
}

// GatewayStatusTopic is the per-task streaming status topic for a gateway.
func GatewayStatusTopic(ns, gateway, taskID string) string {
	return ns + versionPrefix + "gateway/status/" + gateway + "/" + taskID
}

// GatewayStatusSubscription matches all status topics for a gateway.
func GatewayStatusSubscription(ns, gateway string) string {
	return ns + versionPrefix + "gateway/status/" + gateway + "/" + WildcardTail
}

// GatewayStatusPrefix is the prefix stripped to recover the task id.
func GatewayStatusPrefix(ns, gateway string) string {
	return ns + versionPrefix + "gateway/status/" + gateway + "/"
}

// SandboxRequestTopic is the invocation topic for one sandbox worker.
func SandboxRequestTopic(ns, worker string) string {
	return ns + versionPrefix + "sandbox/request/" + worker
}

// AsyncUserResponseTopic carries human responses back to the async service.
func AsyncUserResponseTopic(ns, gateway string) string {
	return ns + versionPrefix + "stimulus/async-service/user-response/" + gateway
}

// OrchestratorAsyncResponseTopic carries aggregated async-service completions.
func OrchestratorAsyncResponseTopic(ns string) string {
	return ns + orchestratorAsyncSub
}

// ControlTopic builds a control-plane topic for a lowercased method verb and
// resource path segments.
func ControlTopic(ns, method string, path ...string) string {
	t := ns + controlPrefix + strings.ToLower(method)
	if len(path) > 0 {
		t += "/" + strings.Join(path, "/")
	}
	return t
}

// ControlSubscription matches all control-plane topics in the namespace.
func ControlSubscription(ns string) string {
	return ns + controlPrefix + WildcardTail
}

// ControlPrefix is the prefix stripped to recover method and path.
func ControlPrefix(ns string) string {
	return ns + controlPrefix
}

// ExtractTaskID returns the topic residue after prefix; the task id is
// always the trailing segment of per-task topics.
func ExtractTaskID(prefix, topic string) (string, error) {
	if !strings.HasPrefix(topic, prefix) {
		return "", fmt.Errorf("topic %q does not match prefix %q", topic, prefix)
	}
	id := topic[len(prefix):]
	if id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("topic %q carries no task id after %q", topic, prefix)
	}
	return id, nil
}

// TopicMatchesSubscription reports whether topic matches the subscription
// pattern. Without wildcards the comparison is byte-exact.
func TopicMatchesSubscription(topic, sub string) bool {
	if !strings.Contains(sub, WildcardLevel) && !strings.Contains(sub, WildcardTail) {
		return topic == sub
	}
	subLevels := strings.Split(sub, "/")
	topicLevels := strings.Split(topic, "/")
	for i, sl := range subLevels {
		if sl == WildcardTail && i == len(subLevels)-1 {
			// A trailing '>' must match at least one remaining level.
			return len(topicLevels) > i
		}
		if i >= len(topicLevels) {
			return false
		}
		if sl == WildcardLevel {
			continue
		}
		if sl != topicLevels[i] {
			return false
		}
	}
	return len(topicLevels) == len(subLevels)
}

// SubscriptionToRegex compiles a subscription pattern into an anchored
// regular expression equivalent to TopicMatchesSubscription.
func SubscriptionToRegex(sub string) (*regexp.Regexp, error) {
	levels := strings.Split(sub, "/")
	var b strings.Builder
	b.WriteString("^")
	for i, l := range levels {
		if l == WildcardTail && i == len(levels)-1 {
			b.WriteString(".+")
			break
		}
		if i > 0 {
			b.WriteString("/")
		}
		if l == WildcardLevel {
			b.WriteString("[^/]+")
		} else {
			b.WriteString(regexp.QuoteMeta(l))
		}
		if i == len(levels)-2 && levels[i+1] == WildcardTail {
			b.WriteString("/")
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
