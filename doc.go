// Package mcpbridge implements the client-side transport layer for invoking
// named tools on external MCP servers. It speaks JSON-RPC 2.0 over two
// transports: a long-lived HTTP Server-Sent-Events session, and a spawned
// local subprocess exchanging newline-delimited JSON on stdio.
//
// The package is organised bottom-up:
//
//   - Token is the cooperative cancellation primitive. Cancelling a token
//     fails the calls that carry it, and only those calls.
//   - Transport is the shared surface (Connect, SendRequest, Disconnect,
//     Stats) behind SSETransport and StdioTransport. NewTransport builds
//     the right one from a ServerDescriptor.
//   - ServerClient owns one Transport, tracks in-flight requests, and
//     merges stored credentials into outgoing parameters.
//   - ClientRegistry owns many ServerClients, routes tool names to servers,
//     and executes the tool-call batches embedded in a Message.
//   - ReconnectingRegistry decorates ClientRegistry with exponential-backoff
//     retries and deduplicated reconnection: at most one reconnection
//     attempt runs per server, concurrent callers wait on its outcome.
//
// A minimal session looks like this:
//
//	reg := mcpbridge.NewReconnectingRegistry(mcpbridge.DefaultRetryConfig())
//	err := reg.ConnectServer(ctx, mcpbridge.ServerDescriptor{
//		Name:    "calc",
//		Command: "./calc-server",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer reg.Close()
//
//	res, err := reg.ExecuteTool(ctx, "calc", "add", map[string]any{"a": 2, "b": 3}, nil)
//
// Failures are reported through a small taxonomy: ConfigError for invalid
// target descriptors, ConnectionError for handshake or process-start
// failures (the only kind the reconnection layer retries), RequestError for
// remote errors and malformed responses, TimeoutError for exceeded request
// timeouts, and ErrCancelled for token-triggered cancellation. Each layer
// annotates errors with server name, method and request id rather than
// re-throwing them bare.
package mcpbridge
