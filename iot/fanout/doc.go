/*Package fanout distributes accepted records to live subscriptions.

A subscription binds a Subscriber, normally the outbound Queue of a dashboard session,
to one owner key. Admins may subscribe to the wildcard key and receive every record.

	h, err := router.Subscribe(ctx, queue, auth, "dev-1")
	...
	router.Unsubscribe(h)

Records of one owner key reach every subscriber in the order the gateway accepted them.
Queues are bounded; a full queue drops its oldest record instead of blocking delivery.
*/
package fanout
