// Proxycast is an API gateway for AI model providers. It pools
// upstream credentials, translates between the OpenAI, Anthropic, and
// Gemini request formats, and streams responses back to clients.
//
// Usage:
//
//	# Start the gateway with the default configuration file
//	proxycast run
//
//	# Start with a custom configuration file
//	proxycast run --config /etc/proxycast/config.yaml
//
//	# Validate configuration and credentials without starting
//	proxycast validate
//
//	# Query the usage ledger
//	proxycast usage --since 24h
//
//	# Show version information
//	proxycast version
package main

func main() {
	Execute()
}
