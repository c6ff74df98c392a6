package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"

	"github.com/oksifun/gis-300-sub001/pkg/transport"
)

// Operation is one remote procedure from a service description: its
// name, SOAPAction and input/output element names.
type Operation struct {
	Name          string
	SoapAction    string
	InputElement  string
	OutputElement string
}

// ServiceDescription is the parsed operation catalogue for one named
// remote service.
type ServiceDescription struct {
	Service    string
	Namespace  string
	Operations map[string]*Operation
}

// Operation returns the named operation or nil.
func (d *ServiceDescription) Operation(name string) *Operation {
	return d.Operations[name]
}

// servicePathExceptions lists the services whose bus path deviates from
// the default ext-bus pattern.
var servicePathExceptions = map[string]string{
	"OrgRegistryCommon": "/ext-bus-org-registry-common-service/services/OrgRegistryCommon",
	"NsiCommon":         "/ext-bus-nsi-common-service/services/NsiCommon",
}

// Config holds the cache settings. LoadTimeout escalates per instance;
// it is owned by one Cache, never shared globally.
type Config struct {
	// Dir is the local schema directory. When set, descriptions load
	// from disk and the network is never touched.
	Dir string
	// Version is the schema archive version used in on-disk names.
	Version string

	LoadTimeout        time.Duration
	LoadTimeoutCeiling time.Duration

	Logger *slog.Logger
}

// Cache loads service descriptions and memoizes them for the process
// lifetime.
type Cache struct {
	transport transport.Transport
	baseURL   string
	cfg       Config
	logger    *slog.Logger

	mu          sync.RWMutex
	loadTimeout time.Duration
	entries     map[cacheKey]*ServiceDescription
}

type cacheKey struct {
	service   string
	namespace string
}

// NewCache builds a cache over the given transport and endpoint base
// URL.
func NewCache(t transport.Transport, baseURL string, cfg Config) *Cache {
	if cfg.LoadTimeout == 0 {
		cfg.LoadTimeout = 10 * time.Second
	}
	if cfg.LoadTimeoutCeiling == 0 {
		cfg.LoadTimeoutCeiling = 160 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		transport:   t,
		baseURL:     strings.TrimRight(baseURL, "/"),
		cfg:         cfg,
		logger:      logger,
		loadTimeout: cfg.LoadTimeout,
		entries:     make(map[cacheKey]*ServiceDescription),
	}
}

// Load returns the description for (service, namespace), from cache,
// disk or network in that order.
func (c *Cache) Load(ctx context.Context, service, namespace string) (*ServiceDescription, error) {
	key := cacheKey{service, namespace}

	c.mu.RLock()
	desc, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return desc, nil
	}

	var (
		data []byte
		err  error
	)
	if c.cfg.Dir != "" {
		data, err = c.loadFromDisk(service)
	} else {
		data, err = c.loadFromNetwork(ctx, service)
	}
	if err != nil {
		return nil, err
	}

	desc, err = Parse(data, service, namespace)
	if err != nil {
		return nil, fmt.Errorf("parsing description for %s: %w", service, err)
	}

	c.mu.Lock()
	// Another goroutine may have raced the load; keep the first entry.
	if cached, ok := c.entries[key]; ok {
		desc = cached
	} else {
		c.entries[key] = desc
	}
	c.mu.Unlock()
	return desc, nil
}

// ServiceURL computes the network URL requests for a service are
// dispatched to: a small table of known exceptions over a default path
// pattern.
func (c *Cache) ServiceURL(service string) string {
	path, ok := servicePathExceptions[service]
	if !ok {
		path = fmt.Sprintf("/ext-bus-%s-service/services/%s", kebab(service), service)
	}
	return c.baseURL + path
}

// DescriptionURL is the service URL's WSDL document.
func (c *Cache) DescriptionURL(service string) string {
	return c.ServiceURL(service) + "?wsdl"
}

// diskPath builds the on-disk file name from the fixed archive naming
// pattern.
func (c *Cache) diskPath(service string) string {
	name := fmt.Sprintf("hcs-%s-service-v%s.wsdl", kebab(service), c.cfg.Version)
	return filepath.Join(c.cfg.Dir, name)
}

func (c *Cache) loadFromDisk(service string) ([]byte, error) {
	path := c.diskPath(service)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema file: %w", err)
	}
	return data, nil
}

// loadFromNetwork fetches the description, doubling the load timeout on
// every timeout until the ceiling, then propagating the timeout as
// fatal. Non-timeout errors propagate unchanged; the caller owns retry
// policy for those.
func (c *Cache) loadFromNetwork(ctx context.Context, service string) ([]byte, error) {
	url := c.DescriptionURL(service)
	for {
		c.mu.RLock()
		timeout := c.loadTimeout
		c.mu.RUnlock()

		data, err := c.transport.Load(ctx, url, timeout)
		if err == nil {
			return data, nil
		}
		if !isTimeout(err) {
			return nil, err
		}
		if timeout >= c.cfg.LoadTimeoutCeiling {
			return nil, fmt.Errorf("loading %s timed out after %s: %w", url, timeout, err)
		}

		escalated := timeout * 2
		if escalated > c.cfg.LoadTimeoutCeiling {
			escalated = c.cfg.LoadTimeoutCeiling
		}
		c.mu.Lock()
		if escalated > c.loadTimeout {
			c.loadTimeout = escalated
		}
		c.mu.Unlock()
		c.logger.Warn("schema load timed out, escalating timeout",
			"service", service, "timeout", escalated)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// kebab converts a CamelCase service name to its kebab-case bus path
// segment (HouseManagement -> house-management).
func kebab(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('-')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Parse extracts the operation catalogue from a WSDL document. Port
// type operations give names and message references; binding
// operations contribute SOAPAction values.
func Parse(data []byte, service, namespace string) (*ServiceDescription, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("reading WSDL: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("empty WSDL document")
	}

	desc := &ServiceDescription{
		Service:    service,
		Namespace:  namespace,
		Operations: make(map[string]*Operation),
	}

	// Message name -> element, for resolving input/output references.
	messageElems := make(map[string]string)
	for _, msg := range childrenByTag(root, "message") {
		name := msg.SelectAttrValue("name", "")
		for _, part := range childrenByTag(msg, "part") {
			if el := part.SelectAttrValue("element", ""); el != "" {
				messageElems[name] = stripPrefix(el)
				break
			}
		}
	}

	for _, portType := range childrenByTag(root, "portType") {
		for _, opEl := range childrenByTag(portType, "operation") {
			op := &Operation{Name: opEl.SelectAttrValue("name", "")}
			if in := firstChildByTag(opEl, "input"); in != nil {
				op.InputElement = messageElems[stripPrefix(in.SelectAttrValue("message", ""))]
			}
			if out := firstChildByTag(opEl, "output"); out != nil {
				op.OutputElement = messageElems[stripPrefix(out.SelectAttrValue("message", ""))]
			}
			if op.Name != "" {
				desc.Operations[op.Name] = op
			}
		}
	}

	for _, binding := range childrenByTag(root, "binding") {
		for _, opEl := range childrenByTag(binding, "operation") {
			name := opEl.SelectAttrValue("name", "")
			op, ok := desc.Operations[name]
			if !ok {
				continue
			}
			if soapOp := firstChildByTag(opEl, "operation"); soapOp != nil {
				op.SoapAction = soapOp.SelectAttrValue("soapAction", "")
			}
		}
	}

	if len(desc.Operations) == 0 {
		return nil, fmt.Errorf("no operations declared for service %s", service)
	}
	return desc, nil
}

// childrenByTag returns direct children matching the local tag name,
// ignoring namespace prefixes.
func childrenByTag(el *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	for _, child := range el.ChildElements() {
		if child.Tag == tag {
			out = append(out, child)
		}
	}
	return out
}

func firstChildByTag(el *etree.Element, tag string) *etree.Element {
	for _, child := range el.ChildElements() {
		if child.Tag == tag {
			return child
		}
	}
	return nil
}

func stripPrefix(qname string) string {
	if i := strings.IndexByte(qname, ':'); i >= 0 {
		return qname[i+1:]
	}
	return qname
}
