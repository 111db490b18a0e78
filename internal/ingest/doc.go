// Package ingest serves signed HTTP endpoints that feed the event bus.
//
// Each endpoint has its own HMAC-SHA256 secret and a fixed bus topic. A
// request is accepted only when its signature matches the body; the body is
// then decoded strictly for the topic before anything is published.
//
//	ingest:
//	  listen: "0.0.0.0:8081"
//	  endpoints:
//	    - path: /ingest/intake
//	      topic: job.intake
//	      secret: ${INTAKE_SECRET}
//	      signature_header: X-Signature-256
//	      max_body_size: 64KB
//
// The job.intake endpoint also takes the front end's positional array
// [OP, CUH1, CUH2, MXK1, MXK2, DOT], stamped with the receive time.
//
// Responses: 202 accepted, 400 malformed payload, 403 bad signature (no
// detail), 413 body too large, 503 a subscriber mailbox overflowed.
package ingest
