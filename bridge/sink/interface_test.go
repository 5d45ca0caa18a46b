package sink

import (
	"github.com/maxpert/repubsub/bridge"
)

// Compile-time checks that every sink satisfies the bridge.Sink interface
var (
	_ bridge.Sink = (*KafkaSink)(nil)
	_ bridge.Sink = (*NatsSink)(nil)
	_ bridge.Sink = (*StdoutSink)(nil)
	_ bridge.Sink = (*MockSink)(nil)
)
