// Package forward passes accepted readings on to downstream systems.
//
// Forwarders run after a reading is durable and after it was handed to the fan-out
// router. They never block acceptance; a reading that cannot be forwarded is logged
// and counted in telemetry_forward_errors_total.
package forward
