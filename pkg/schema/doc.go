/*
Package schema loads and caches WSDL/XSD service descriptions for the
GIS ZHKH service bus.

Descriptions come from a local schema directory when one is configured
(the offline schema archives follow a fixed naming pattern), otherwise
they are fetched over the shared transport. Network loads run under a
dedicated timeout budget that doubles after every timeout up to a
ceiling; once the ceiling is reached the timeout propagates as fatal.

Loaded descriptions are cached in process, keyed by (service,
namespace). The cache is unbounded for the life of the process: one
entry per distinct service, read-mostly after warm-up.
*/
package schema
