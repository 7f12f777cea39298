/*Package telemetry contains the data model shared by the ingestion and fan-out pipeline.

Devices publish readings to topics of the form

	devices/{device_id}/{subtopic}

A reading accepted by the gateway becomes a Record. The owner key of a record is the
device id from the topic, or the user id for user-scoped streams. Access to all
records of an owner key is decided by access.CanAccess.

Errors

All pipeline errors belong to one of the classes ErrAuth, ErrAuthz, ErrDecode,
ErrStore and ErrBackpressureDrop. Callers classify with errors.Is and report
ReasonClass to the outside, never the error text.
*/
package telemetry
