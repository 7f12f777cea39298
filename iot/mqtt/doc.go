/*Package mqtt provides the device facing MQTT broker

Devices connect with

	client id   {device_id}
	username    {device_id}
	password    {device secret}

and publish readings to

	devices/{device_id}/{subtopic}

at QoS 0 or 1. QoS 2 publishes are accepted as QoS 1.

Connect Return Codes

A wrong secret or an unknown device is refused with return code 4 (bad user name or
password). A client id that differs from the username, or a failure to verify the
credentials, is refused with return code 5 (not authorized). A connection that does
not authenticate within the handshake timeout is closed.

Publishing

A device may only publish to its own topics. Publishes to other topics are dropped and
logged as security events; a device that keeps doing it is disconnected. A QoS 1
publish is acknowledged only after the reading is durable. If the reading store stays
unavailable the broker closes the connection instead of acknowledging, and the device
is expected to redeliver after reconnecting.

Subscriptions

Devices may only subscribe below devices/{device_id}/.
*/
package mqtt
