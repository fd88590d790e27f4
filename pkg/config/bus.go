package config

// BusConfig controls the in-process event bus.
type BusConfig struct {
	// SubscriberQueueCapacity is the per-subscription buffer size. A
	// subscriber that falls further behind than this starts losing its
	// oldest pending events and receives a lagged marker.
	SubscriberQueueCapacity int `yaml:"subscriber_queue_capacity"`
}

// DefaultBusConfig returns the built-in bus defaults.
func DefaultBusConfig() *BusConfig {
	return &BusConfig{
		SubscriberQueueCapacity: 256,
	}
}
