package fault

import (
	"errors"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func detailFromXML(t *testing.T, xml string) *etree.Element {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(xml))
	return doc.Root()
}

func TestClassify_NoCodeUsesDetail(t *testing.T) {
	c := NewClassifier(nil)

	detail := detailFromXML(t, `<detail>
		<Fault>
			<ErrorCode>INT002012</ErrorCode>
			<ErrorMessage>house not found</ErrorMessage>
		</Fault>
	</detail>`)

	err := c.Classify(&Fault{Code: "", Detail: detail})

	var perr *ProcessError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "INT002012", perr.Code)
	assert.Equal(t, "house not found", perr.Message)
}

func TestClassify_RedeemableCodeBecomesRestart(t *testing.T) {
	c := NewClassifier([]string{"EXP001000"})

	detail := detailFromXML(t, `<detail>
		<ErrorCode>EXP001000</ErrorCode>
		<Description>error while transferring data</Description>
	</detail>`)

	err := c.Classify(&Fault{Code: "", Detail: detail})

	var restart *RestartSignal
	require.True(t, errors.As(err, &restart), "expected restart signal, got %v", err)

	var perr *ProcessError
	require.True(t, errors.As(restart.Cause, &perr))
	assert.Equal(t, "EXP001000", perr.Code)
	assert.Equal(t, "error while transferring data", perr.Message)
}

func TestClassify_NonListedCodeIsTerminal(t *testing.T) {
	c := NewClassifier([]string{"EXP001000"})

	err := c.Classify(&Fault{Code: "soap:Client", Message: "bad payload"})

	var restart *RestartSignal
	assert.False(t, errors.As(err, &restart))

	var perr *ProcessError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "soap:Client", perr.Code)
	assert.Equal(t, "bad payload", perr.Message)
}

func TestClassify_ServerFaultWithDetail(t *testing.T) {
	c := NewClassifier(nil)

	detail := detailFromXML(t, `<detail>
		<Fault>
			<ErrorCode>SRV008078</ErrorCode>
			<ErrorMessage>Internal Server Error</ErrorMessage>
			<StackTrace>at ru.gosuslugi.dom...</StackTrace>
		</Fault>
	</detail>`)

	err := c.Classify(&Fault{Code: "soap:Server", Message: "fault", Detail: detail})

	var perr *ProcessError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "SRV008078", perr.Code)
	// The generic placeholder is substituted with a clearer message.
	assert.Equal(t, "internal remote-system error", perr.Message)
	assert.Contains(t, perr.StackTrace, "ru.gosuslugi.dom")
}

func TestClassify_ServerFaultWithoutDetailPassesThrough(t *testing.T) {
	c := NewClassifier(nil)

	err := c.Classify(&Fault{Code: "soap:Server", Message: "gateway exploded"})

	var perr *ProcessError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "soap:Server", perr.Code)
	assert.Equal(t, "gateway exploded", perr.Message)
}

func TestRedeem_NonProcessErrorsPassThrough(t *testing.T) {
	c := NewClassifier([]string{"EXP001000"})

	terr := &TransferError{StatusCode: 504, Reason: "gateway timeout"}
	assert.Equal(t, error(terr), c.Redeem(terr))
}

func TestIsServerFault(t *testing.T) {
	assert.True(t, isServerFault("soap:Server"))
	assert.True(t, isServerFault("Server"))
	assert.True(t, isServerFault("env:Receiver"))
	assert.False(t, isServerFault("soap:Client"))
	assert.False(t, isServerFault(""))
}
