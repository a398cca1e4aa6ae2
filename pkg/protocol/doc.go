/*
Package protocol defines the wire envelope shared by clients, workers,
and the foreman.

Each frame on the transport carries one tagged JSON record:

	{ "type": "<tag>", "data": { ... }, "job_id": "..." }

Payloads stay raw (json.RawMessage) until the receiver picks the typed
struct for the tag, so envelopes with unknown tags decode successfully
and can be ignored for forward compatibility. Constructor helpers cover
every tag in the protocol; serialize-then-deserialize is the identity.

The func_code field names a registered task kind on the workers. It is
never executable code: the set of kinds a worker can run is fixed at
its startup.
*/
package protocol
