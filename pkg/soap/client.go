package soap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"syscall"

	"github.com/beevik/etree"

	"github.com/oksifun/gis-300-sub001/pkg/fault"
	"github.com/oksifun/gis-300-sub001/pkg/schema"
	"github.com/oksifun/gis-300-sub001/pkg/transport"
)

// StateOperation is the lightweight "get current state" query. It is
// exempt from the signed-container annotation.
const StateOperation = "getState"

// ErrUnknownOperation is returned when the service description does not
// declare the requested operation. This is a caller bug, never retried.
var ErrUnknownOperation = errors.New("operation not found")

const contentType = "text/xml; charset=utf-8"

// ClientConfig wires a Client to its collaborators.
type ClientConfig struct {
	Service    string
	Namespace  string
	Transport  transport.Transport
	Endpoint   *transport.RemoteEndpoint
	Schemas    *schema.Cache
	Classifier *fault.Classifier
	Codec      *Codec
	Logger     *slog.Logger
}

// Client is the per-service entry point. One client per worker; clients
// are not shared across workers.
type Client struct {
	service    string
	namespace  string
	transport  transport.Transport
	endpoint   *transport.RemoteEndpoint
	schemas    *schema.Cache
	classifier *fault.Classifier
	codec      *Codec
	logger     *slog.Logger

	mu  sync.Mutex
	ops map[string]*schema.Operation
}

// NewClient binds a client to a named remote service.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Service == "" || cfg.Namespace == "" {
		return nil, fmt.Errorf("service name and namespace are required")
	}
	if cfg.Transport == nil || cfg.Endpoint == nil || cfg.Schemas == nil {
		return nil, fmt.Errorf("transport, endpoint and schema cache are required")
	}
	classifier := cfg.Classifier
	if classifier == nil {
		classifier = fault.NewClassifier(nil)
	}
	codec := cfg.Codec
	if codec == nil {
		codec = DefaultCodec()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		service:    cfg.Service,
		namespace:  cfg.Namespace,
		transport:  cfg.Transport,
		endpoint:   cfg.Endpoint,
		schemas:    cfg.Schemas,
		classifier: classifier,
		codec:      codec,
		logger:     logger,
		ops:        make(map[string]*schema.Operation),
	}, nil
}

// Result is a successful operation outcome. Body is the first child of
// the response envelope's Body element, nil for accepted-with-no-content
// responses.
type Result struct {
	Raw  []byte
	Body *etree.Element
}

// AckGUID returns the transport acknowledgement identifier from the
// response, or "" when none is present.
func (r *Result) AckGUID() string {
	if r == nil || r.Body == nil {
		return ""
	}
	if el := findByTag(r.Body, "MessageGUID"); el != nil {
		return strings.TrimSpace(el.Text())
	}
	return ""
}

// Find returns the first descendant with the given local tag name.
func (r *Result) Find(tag string) *etree.Element {
	if r == nil || r.Body == nil {
		return nil
	}
	return findByTag(r.Body, tag)
}

// SendMessage performs one named operation: resolves it, serializes the
// payload, dispatches it and classifies the outcome. It never retries;
// restart signals and transfer errors propagate to the orchestrating
// job.
func (c *Client) SendMessage(ctx context.Context, operation string, hdr Header, body []Param) (*Result, error) {
	op, err := c.operation(ctx, operation)
	if err != nil {
		return nil, err
	}

	// The signed-container annotation is required on genuine TLS for
	// everything but the state query.
	signedContainer := operation != StateOperation && c.endpoint.Secure()

	doc, err := buildEnvelope(op, c.namespace, hdr, body, signedContainer, c.codec)
	if err != nil {
		return nil, err
	}
	payload, err := canonicalize(doc)
	if err != nil {
		return nil, err
	}

	serviceURL := c.schemas.ServiceURL(c.service)
	headers := map[string]string{"SOAPAction": op.SoapAction}
	resp, err := c.transport.Post(ctx, serviceURL, contentType, headers, payload)
	if err != nil {
		return nil, c.classifyTransportError(operation, err)
	}
	defer resp.Body.Close()

	return c.classifyResponse(operation, resp)
}

// operation resolves and memoizes the operation descriptor for this
// client instance.
func (c *Client) operation(ctx context.Context, name string) (*schema.Operation, error) {
	c.mu.Lock()
	op, ok := c.ops[name]
	c.mu.Unlock()
	if ok {
		return op, nil
	}

	desc, err := c.schemas.Load(ctx, c.service, c.namespace)
	if err != nil {
		return nil, fmt.Errorf("loading description for %s: %w", c.service, err)
	}
	op = desc.Operation(name)
	if op == nil {
		return nil, fmt.Errorf("%s.%s: %w", c.service, name, ErrUnknownOperation)
	}

	c.mu.Lock()
	c.ops[name] = op
	c.mu.Unlock()
	return op, nil
}

// classifyTransportError maps request-level failures onto the fault
// taxonomy: timeouts become a 408-equivalent transfer fault, connection
// resets become a restart signal, other recognized transport failures
// become a transfer fault with a synthesized status. Anything
// unrecognized propagates unchanged.
func (c *Client) classifyTransportError(operation string, err error) error {
	switch {
	case isTimeout(err):
		c.logger.Error("operation timed out", "service", c.service, "operation", operation)
		return &fault.TransferError{StatusCode: http.StatusRequestTimeout, Reason: "operation timed out"}
	case isConnectionReset(err):
		c.logger.Warn("connection reset, requesting restart", "service", c.service, "operation", operation)
		return &fault.RestartSignal{Cause: err}
	default:
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			c.logger.Error("transport failure", "service", c.service, "operation", operation, "error", err)
			return &fault.TransferError{StatusCode: http.StatusServiceUnavailable, Reason: urlErr.Err.Error()}
		}
		return err
	}
}

// classifyResponse applies the per-call state machine to an HTTP
// response.
func (c *Client) classifyResponse(operation string, resp *http.Response) (*Result, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusNoContent:
		// Accepted with nothing to return.
		return nil, nil
	}

	// SOAP faults come back as 500 with a body; anything else outside
	// the success/fault pair without a body is a transfer failure.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusInternalServerError && len(raw) == 0 {
		c.logger.Error("transfer failed", "service", c.service, "operation", operation,
			"status", resp.StatusCode)
		return nil, &fault.TransferError{StatusCode: resp.StatusCode, Reason: resp.Status}
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("parsing response envelope: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("empty response envelope")
	}

	bodyEl := findByTag(root, "Body")
	if bodyEl == nil {
		return nil, fmt.Errorf("response envelope has no Body")
	}

	// Only a Fault directly under Body is a SOAP fault; payloads may
	// legitimately contain elements with that local name deeper down.
	if faultEl := firstChildByTag(bodyEl, "Fault"); faultEl != nil {
		f := parseFault(faultEl)
		err := c.classifier.Classify(f)
		var perr *fault.ProcessError
		if errors.As(err, &perr) {
			c.logger.Error("remote process error", "service", c.service, "operation", operation,
				"code", perr.Code, "description", perr.Message)
		}
		return nil, err
	}

	result := &Result{Raw: raw}
	if children := bodyEl.ChildElements(); len(children) > 0 {
		result.Body = children[0]
	}
	return result, nil
}

// parseFault lifts a SOAP 1.1 fault element into the raw classifier
// input.
func parseFault(el *etree.Element) *fault.Fault {
	f := &fault.Fault{}
	if code := findByTag(el, "faultcode"); code != nil {
		f.Code = strings.TrimSpace(code.Text())
	}
	if msg := findByTag(el, "faultstring"); msg != nil {
		f.Message = strings.TrimSpace(msg.Text())
	}
	f.Detail = findByTag(el, "detail")
	return f
}

func firstChildByTag(el *etree.Element, tag string) *etree.Element {
	for _, child := range el.ChildElements() {
		if child.Tag == tag {
			return child
		}
	}
	return nil
}

func findByTag(el *etree.Element, tag string) *etree.Element {
	if el.Tag == tag {
		return el
	}
	for _, child := range el.ChildElements() {
		if found := findByTag(child, tag); found != nil {
			return found
		}
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		strings.Contains(err.Error(), "connection reset by peer")
}
