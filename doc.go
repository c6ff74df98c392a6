/*
Package gis is the integration core for the GIS ZHKH state information
system: the transport/session layer, SOAP client, fault taxonomy and
reconciliation ledger shared by the export and import jobs of the
housing-management back office.

# Package structure

	pkg/transport  - HTTP(S) session: endpoint resolution, GOST TLS policy, tunnel mode
	pkg/schema     - WSDL/XSD service description loading and caching
	pkg/soap       - per-service SOAP client: serialization, dispatch, outcome classification
	pkg/fault      - error taxonomy and SOAP fault classifier
	internal/ledger   - reconciliation (GUID) ledger over MongoDB
	internal/keystore - client identity loading (PEM files or PKCS#11 token)
	internal/config   - YAML configuration
	internal/exporter - background export worker driving the ledger

# Quick start

	cfg, err := config.Load("gis.yaml")
	provider, err := keystore.NewProvider(cfg)
	identity, err := provider.Identity()
	session, err := transport.Establish(cfg.TransportConfig(), identity)
	schemas := schema.NewCache(session, session.Endpoint().URL(), schema.Config{
		Version: cfg.GIS.Schema.Version,
		Dir:     cfg.GIS.Schema.Dir,
	})
	client, err := soap.NewClient(&soap.ClientConfig{
		Service:    "HouseManagement",
		Namespace:  "http://dom.gosuslugi.ru/schema/integration/house-management/",
		Transport:  session,
		Endpoint:   session.Endpoint(),
		Schemas:    schemas,
		Classifier: fault.NewClassifier(cfg.GIS.RedeemableCodes),
	})
	result, err := client.SendMessage(ctx, "exportHouseData", hdr, body)

The client never retries on its own: restart signals and transfer
errors surface to the orchestrating job (see internal/exporter), which
owns backoff and the attempt ceiling. Process errors and validation
errors are terminal and must not be retried.
*/
package gis
