// Package pusher implements both halves of the dash push channel: a duplex,
// message-framed protocol that multiplexes request/response pairs and
// unsolicited server-initiated updates over a single persistent websocket
// connection.
//
// The wire protocol is JSON envelopes in both directions:
//
//	client -> server:  {"id": <n>, "url": "<endpoint>", "data": <any>}
//	server -> client:  {"id": <n>, "data": <any>}                       (reply)
//	server -> client:  {"id": "mod"|"mod_n", "data": {<entity>: <value>}} (broadcast)
//
// A Channel is the client side. An owning application registers Observers
// for named entities and issues correlated requests with Request. The
// connection is established lazily on first use: any Register or Request
// brings the channel online, and envelopes issued while the connection is
// still opening are queued and flushed, in order, once it is ready. Replies
// are matched to outstanding requests by sequence number; broadcasts fan out
// to the observer registry. A Channel never reconnects on its own; after a
// connection is lost, the next Register or Request opens a fresh one.
//
// A Server is the hosting side: it upgrades websocket clients on a fixed
// path, dispatches request envelopes to handlers registered with AddURL, and
// pushes entity updates to every connected client with Broadcast. The "mod"
// broadcast form suppresses observer notification side effects; "mod_n"
// requests them.
//
// Requests that lose their connection, or that are evicted when the
// pending-request table outgrows its bound, are abandoned silently: their
// result channels never receive. Callers that need a bounded wait use
// RequestWait with a context, or select on the result channel with their own
// timer.
package pusher
