/*
Package api provides the REST interface of the telemetry pipeline.

	GET  /health                              liveness, no authorization
	GET  /authorization                       the caller's authorization
	GET  /api/devices                         all devices for admins, granted devices for users
	POST /api/devices                         register a device, admin only
	POST /api/devices/assign                  grant a user access to a device, admin only
	POST /api/devices/simulate                inject a reading as if the device published it
	GET  /api/devices/{device_id}/data        the most recent readings, newest first
	GET  /api/messages/{device_id}            same as above
	GET  /api/devices/{device_id}/history     readings aggregated per minute, hour or day
	GET  /api/statistics                      live counters, admin only
	GET  /version                             build version, admin only

Every route that reads or writes the readings of a device runs the same access
predicate as the realtime channel: admins see everything, users see the devices they
were granted.

The secret of a registered device is returned exactly once, in the response to
POST /api/devices.
*/
package api
