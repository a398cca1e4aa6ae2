/*
Package client is the SDK for submitting jobs to a foreman.

	c, err := client.Dial(ctx, "ws://foreman:7070/ws")
	if err != nil { ... }
	defer c.Close()

	results, err := c.Run(ctx, "square", []any{2, 3, 4})
	// results: ["4", "9", "16"] in input order

Results come back in the input order of the arguments, with JSON null
in the slot of any task that failed permanently.
*/
package client
