package natsbus

import "fmt"

// Subjects used on the bus.

// TopicProviderRPC is the request/reply subject a bridge answers for one
// provider's automated session.
func TopicProviderRPC(provider string) string {
	return fmt.Sprintf("provider.%s.rpc", provider)
}

func TopicEventsDebate(sessionID string) string {
	return fmt.Sprintf("events.debate.%s", sessionID)
}

func TopicEventsProvider(provider string) string {
	return fmt.Sprintf("events.provider.%s", provider)
}

const (
	TopicDebateIPC         = "host.ipc.debate"
	TopicEventsAll         = "events.>"
	TopicEventsDebateAll   = "events.debate.*"
	TopicEventsProviderAll = "events.provider.*"
)

const TopicEventsScheduleExecuted = "events.schedule.executed"
