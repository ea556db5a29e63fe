// Package engine is the eventide composition root.
//
// An Engine owns one instance of every worker and connects them over a
// single store:
//
//	Append / SendCommand
//	        |
//	     Writer  ----> Dispatcher ----> projection streams ----> IndexWriter
//	        |              |                    |
//	      store      (gap healing)        subscriptions, processors
//
// ARCHITECTURE:
//
// Single-Writer Log:
// Every append goes through the writer loop, which assigns global and
// stream sequences and publishes committed events in commit order.
//
// Worker Per Key:
// Aggregate streams and projection queries each get their own goroutine,
// created on first use. Work for one key is serialized; work for different
// keys runs in parallel.
//
// Request/Reply With Deadlines:
// Commands and queries wait for their answer under a timeout. A caller that
// gives up never leaves a partial write behind: appends are atomic and a
// request whose caller is gone is skipped before it reaches the store.
package engine
