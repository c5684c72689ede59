// Package launcher starts and stops the node processes of a local Gonolith
// cluster.
//
// Nodes are launched one at a time in topology order. Each node receives its
// name, ports and the membership addresses of every other node through its
// environment:
//
//	NODE_NAME=gonolith1
//	HTTP_PORT=8080
//	GRPC_PORT=50051
//	MEMBERLIST_PORT=7946
//	CLUSTER_MEMBERS=localhost:7947
//
// # Readiness
//
// In poll mode (the default) the launcher probes GET /get-status on the node's
// HTTP port with exponential backoff until it answers 200 or ReadyTimeout
// elapses. A node whose process exits while being probed fails immediately.
// Delay mode waits a fixed WarmUp instead.
//
// A node that fails to spawn or become ready is marked Failed and the
// remaining nodes are still launched:
//
//	l, err := launcher.New(launcher.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	cluster, err := l.Start(ctx, topo)
//	defer l.Stop(cluster)
//
// # Teardown
//
// Stop signals every Starting or Running node with SIGTERM in reverse order
// and kills any node still alive after StopTimeout. It never returns an error
// and may be called repeatedly.
package launcher
