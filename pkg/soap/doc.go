/*
Package soap is the per-service entry point for GIS ZHKH operations:
it resolves an operation against the service description, serializes a
typed payload into a SOAP 1.1 envelope, dispatches it through the
transport session and classifies the outcome.

Each call moves through Building -> Sent -> one of {Succeeded,
BusinessFault, TransferFault, RetryRequested}. The client itself never
retries; a restart signal or transfer error is surfaced to the
orchestrating job, which owns backoff and the attempt ceiling.

Serialization policy lives in [Codec]: floating-point values render in
fixed decimal notation, and the two sentinel years the remote system
uses to mean "no real date" normalize to an absent value (toggleable
per sentinel). The outbound envelope is canonicalized (exclusive C14N)
before transmission because the payload may be signed and the remote
verifier is sensitive to canonical form.
*/
package soap
