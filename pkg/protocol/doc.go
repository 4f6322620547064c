// Package protocol defines the protocol-neutral request, response, and
// stream event model shared by all client protocol front ends and provider
// back ends. Client handlers parse their wire format into these types, and
// provider adapters consume them; the reverse path serializes them back out.
package protocol
