package natsbus

import "fmt"

// Subject patterns for NATS pub/sub communication.

// TopicClusterEvents carries every bus event of a cluster as JSON.
func TopicClusterEvents(clusterID string) string {
	return fmt.Sprintf("cluster.%s.events", clusterID)
}

// TopicClusterState carries cluster state transitions.
func TopicClusterState(clusterID string) string {
	return fmt.Sprintf("cluster.%s.state", clusterID)
}

const (
	TopicClusterEventsAll = "cluster.*.events"
	TopicClusterStateAll  = "cluster.*.state"

	// TopicControl is the request/reply subject served by the gateway.
	TopicControl = "conclave.control"
	// TopicScheduleFired announces clusters started by the scheduler.
	TopicScheduleFired = "conclave.schedule.fired"
)
