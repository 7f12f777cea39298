/*
Package realtime implements the dashboard-facing realtime channel.

A dashboard opens a WebSocket with a bearer token:

	GET /ws?token=...            explicit subscribe frames follow
	GET /ws?token=...&device=dev-1

and sends

	{"type":"subscribe","owner":"dev-1"}   a device it is entitled to
	{"type":"subscribe","owner":"self"}    its own user scoped stream
	{"type":"subscribe","owner":"*"}       everything, admins only
	{"type":"unsubscribe"}

The server answers a subscribe with a subscribed frame, then a snapshot of the most
recent records (newest first), then live record frames in acceptance order. A refused
subscribe yields an error frame with code authz and the session stays authenticated.

Each connection is one Session with at most one subscription at a time.
*/
package realtime
