// Package fault defines the error taxonomy for the GIS ZHKH integration
// core and the classifier that maps raw SOAP faults onto it.
//
// The taxonomy distinguishes four families:
//
//   - ProcessError: a business-level rejection produced by the remote
//     system inside a structured fault payload. Terminal unless the
//     error code is on the redeemable list.
//   - TransferError: a connectivity or HTTP-level failure for one
//     attempt. The orchestrating job may retry with backoff.
//   - RestartSignal: an internal control-flow marker meaning "re-run
//     this entire operation from the top". It must never leak past the
//     component that owns the retry loop.
//   - ConfigError: a fatal configuration problem (missing trust bundle,
//     missing GOST-capable cipher support). Aborts startup.
//
// Classification and retry policy are deliberately separate: Classify
// only parses fault shapes, Redeem decides whether the resulting code is
// transient. The redeemable set is supplied by configuration.
package fault

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// ProcessError is a business-level error returned by the remote system.
type ProcessError struct {
	Code       string
	Message    string
	StackTrace string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("remote process error %s: %s", e.Code, e.Message)
}

// TransferError is a connectivity or HTTP-level failure.
type TransferError struct {
	StatusCode int
	Reason     string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer error %d: %s", e.StatusCode, e.Reason)
}

// RestartSignal tells the orchestrating job to re-run the whole
// operation. It wraps the cause for logging but is not a user-visible
// failure.
type RestartSignal struct {
	Cause error
}

func (e *RestartSignal) Error() string {
	return fmt.Sprintf("operation restart requested: %v", e.Cause)
}

func (e *RestartSignal) Unwrap() error { return e.Cause }

// ConfigError is a fatal configuration problem detected before any
// request is attempted.
type ConfigError struct {
	Reason string
	Path   string
}

func (e *ConfigError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("configuration error: %s (%s)", e.Reason, e.Path)
	}
	return "configuration error: " + e.Reason
}

// ValidationError indicates a malformed request payload or record. It is
// a caller bug and must never be retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
	}
	return "validation error: " + e.Reason
}

// Fault is a raw SOAP fault as parsed off the wire, before
// classification.
type Fault struct {
	Code    string
	Message string
	Detail  *etree.Element
}

// genericFaultMessage is the placeholder the remote system emits for
// unspecific server-side failures. Substituted with a clearer fixed
// message during classification.
const genericFaultMessage = "Internal Server Error"

// substituteMessage replaces the remote placeholder for unspecific
// failures.
const substituteMessage = "internal remote-system error"

// Classifier turns raw SOAP faults into typed errors and decides
// retryability against a configurable redeemable code set.
type Classifier struct {
	redeemable map[string]struct{}
}

// NewClassifier builds a classifier with the given redeemable remote
// error codes.
func NewClassifier(redeemable []string) *Classifier {
	set := make(map[string]struct{}, len(redeemable))
	for _, code := range redeemable {
		set[code] = struct{}{}
	}
	return &Classifier{redeemable: set}
}

// Classify maps a raw fault to a ProcessError, then re-wraps it as a
// RestartSignal when its code is redeemable.
func (c *Classifier) Classify(f *Fault) error {
	perr := c.classify(f)
	return c.Redeem(perr)
}

func (c *Classifier) classify(f *Fault) *ProcessError {
	switch {
	case f.Code == "":
		// No machine-readable fault code: the detail blob carries the
		// business error payload.
		return detailError(f.Detail, f.Message)
	case isServerFault(f.Code) && hasDetail(f.Detail):
		perr := detailError(f.Detail, f.Message)
		if perr.Message == genericFaultMessage || perr.Message == "" {
			perr.Message = substituteMessage
		}
		return perr
	default:
		return &ProcessError{Code: f.Code, Message: f.Message, StackTrace: detailText(f.Detail)}
	}
}

// Redeem re-wraps a ProcessError as a RestartSignal when its code is on
// the redeemable list. Any other error passes through unchanged.
func (c *Classifier) Redeem(err error) error {
	perr, ok := err.(*ProcessError)
	if !ok {
		return err
	}
	if _, transient := c.redeemable[perr.Code]; transient {
		return &RestartSignal{Cause: perr}
	}
	return err
}

// isServerFault reports whether the fault code indicates a generic
// server-side failure (SOAP 1.1 "Server" or SOAP 1.2 "Receiver").
func isServerFault(code string) bool {
	if i := strings.IndexByte(code, ':'); i >= 0 {
		code = code[i+1:]
	}
	return code == "Server" || code == "Receiver"
}

func hasDetail(detail *etree.Element) bool {
	return detail != nil && (len(detail.ChildElements()) > 0 || strings.TrimSpace(detail.Text()) != "")
}

// detailError extracts {ErrorCode, Description, StackTrace} from a fault
// detail payload. Element lookup is by local name so the caller does not
// have to care about the service's namespace prefixes.
func detailError(detail *etree.Element, fallback string) *ProcessError {
	perr := &ProcessError{Message: fallback}
	if detail == nil {
		return perr
	}
	walk(detail, func(el *etree.Element) {
		switch el.Tag {
		case "ErrorCode", "errorCode":
			if perr.Code == "" {
				perr.Code = strings.TrimSpace(el.Text())
			}
		case "ErrorMessage", "Description", "description":
			if text := strings.TrimSpace(el.Text()); text != "" {
				perr.Message = text
			}
		case "StackTrace", "stackTrace":
			perr.StackTrace = strings.TrimSpace(el.Text())
		}
	})
	return perr
}

func detailText(detail *etree.Element) string {
	if detail == nil {
		return ""
	}
	return strings.TrimSpace(detail.Text())
}

func walk(el *etree.Element, fn func(*etree.Element)) {
	for _, child := range el.ChildElements() {
		fn(child)
		walk(child, fn)
	}
}
