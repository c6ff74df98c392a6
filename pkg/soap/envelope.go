package soap

import (
	"fmt"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/leifj/signedxml"

	"github.com/oksifun/gis-300-sub001/pkg/schema"
)

// Namespace constants for the GIS ZHKH envelope.
const (
	nsSOAPEnv = "http://schemas.xmlsoap.org/soap/envelope/"
	nsBase    = "http://dom.gosuslugi.ru/schema/integration/base/"
)

// signedContainerID is the fixed container identifier the remote
// protocol requires on the request body so a detached signature can be
// correlated with the signed payload.
const signedContainerID = "signed-data-container"

// Header is the caller-supplied request header. A non-empty OrgPPAGUID
// selects the ISRequestHeader variant; otherwise the plain
// RequestHeader element is emitted.
type Header struct {
	MessageGUID         string
	Date                time.Time
	OrgPPAGUID          string
	IsOperatorSignature bool
}

// Param is one ordered body element. Value may be a scalar handled by
// [Codec.Encode], a []Param for nested structures, or a *etree.Element
// grafted in as-is.
type Param struct {
	Name  string
	Value any
}

// buildEnvelope assembles the SOAP 1.1 envelope for one operation call.
func buildEnvelope(op *schema.Operation, namespace string, hdr Header, body []Param, signedContainer bool, codec *Codec) (*etree.Document, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("soapenv:Envelope")
	env.CreateAttr("xmlns:soapenv", nsSOAPEnv)
	env.CreateAttr("xmlns:base", nsBase)
	env.CreateAttr("xmlns:ns", namespace)

	soapHeader := env.CreateElement("soapenv:Header")
	if err := buildRequestHeader(soapHeader, hdr, codec); err != nil {
		return nil, err
	}

	soapBody := env.CreateElement("soapenv:Body")
	opElem := soapBody.CreateElement("ns:" + op.InputElement)
	if signedContainer {
		opElem.CreateAttr("Id", signedContainerID)
	}
	if err := appendParams(opElem, body, codec); err != nil {
		return nil, err
	}
	return doc, nil
}

func buildRequestHeader(parent *etree.Element, hdr Header, codec *Codec) error {
	name := "base:RequestHeader"
	if hdr.OrgPPAGUID != "" {
		name = "base:ISRequestHeader"
	}
	el := parent.CreateElement(name)

	date := hdr.Date
	if date.IsZero() {
		date = time.Now()
	}
	guid := hdr.MessageGUID
	if guid == "" {
		guid = uuid.New().String()
	}

	el.CreateElement("base:Date").SetText(date.Format(time.RFC3339))
	el.CreateElement("base:MessageGUID").SetText(guid)
	if hdr.OrgPPAGUID != "" {
		el.CreateElement("base:orgPPAGUID").SetText(hdr.OrgPPAGUID)
	}
	if hdr.IsOperatorSignature {
		value, _, err := codec.Encode(hdr.IsOperatorSignature)
		if err != nil {
			return err
		}
		el.CreateElement("base:IsOperatorSignature").SetText(value)
	}
	return nil
}

// appendParams renders ordered body parameters, omitting values that
// the codec normalizes to absent.
func appendParams(parent *etree.Element, params []Param, codec *Codec) error {
	for _, p := range params {
		switch v := p.Value.(type) {
		case []Param:
			child := parent.CreateElement("ns:" + p.Name)
			if err := appendParams(child, v, codec); err != nil {
				return err
			}
		case *etree.Element:
			parent.AddChild(v.Copy())
		default:
			text, absent, err := codec.Encode(p.Value)
			if err != nil {
				return fmt.Errorf("encoding %s: %w", p.Name, err)
			}
			if absent {
				continue
			}
			parent.CreateElement("ns:" + p.Name).SetText(text)
		}
	}
	return nil
}

// canonicalize applies exclusive XML canonicalization to the envelope.
// Required because the payload may be digitally signed and the remote
// verifier is sensitive to attribute and namespace ordering.
func canonicalize(doc *etree.Document) ([]byte, error) {
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("envelope has no root element")
	}
	canonicalizer := signedxml.ExclusiveCanonicalization{WithComments: false}
	out, err := canonicalizer.ProcessElement(root, "")
	if err != nil {
		return nil, fmt.Errorf("canonicalizing envelope: %w", err)
	}
	return []byte(out), nil
}
