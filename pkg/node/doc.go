// Package node runs a complete gamenet endpoint from a config.Config.
//
// A Node owns one reactor and, depending on the configuration, a TCP stream
// server, a UDP hub with its configured peers, an mDNS advertisement, a
// Prometheus endpoint and a protocol capture file. Both transports answer
// the messages registered by Messages:
//
//   - TypeText is echoed back unchanged, with the QoS it arrived with
//   - TypeStatus is answered with the node's current Status
//
// Example usage:
//
//	cfg, err := config.Load("node.yaml")
//	n, err := node.New(cfg, logger)
//	err = n.Run(ctx) // blocks until ctx is done
package node
