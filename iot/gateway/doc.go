/*Package gateway implements the transport independent ingestion gateway.

A transport, for example the MQTT broker plugin, calls Connect with the credentials a
device presents and Publish for every message the device sends:

	conn, err := g.Connect(ctx, username, password)
	...
	id, err := g.Publish(ctx, conn, topic, payload, telemetry.QoSAtLeastOnce)
	...
	g.Disconnect(conn)

A device may only publish to devices/{its own id}/... . Violations are rejected and
logged as security events; a connection that keeps violating is flagged with
ShouldDisconnect.

Accepted readings are appended to the reading store, retried with exponential backoff,
and only then handed to the notifier. All readings of an owner, QoS 0 and QoS 1 alike,
pass through the same worker, so the notifier sees them in publish order. Every reading
carries an idempotency key, a retried append never stores it twice.
*/
package gateway
