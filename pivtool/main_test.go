package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardsmith/pivcard/piv"
)

// scriptedConfig returns a config whose client answers every card command
// with the same canned payload, enough to satisfy applet selection and the
// firmware version read that Open performs.
func scriptedConfig(readers ...string) *config {
	return &config{
		logger: &NopLogger{},
		client: &piv.Client{
			SC: &piv.TestSCConstructor{
				Ctx: piv.TestSCContext{
					Readers: readers,
					Handle: &piv.TestSCHandle{
						Tx: &piv.TestSCTx{TransmitData: []byte{0x05, 0x04, 0x03}},
					},
				},
			},
		},
	}
}

func TestOpenCardNoReaders(t *testing.T) {
	cfg := scriptedConfig()

	_, err := cfg.openCard()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no smart card readers")
}

func TestOpenCardFirstMatch(t *testing.T) {
	cfg := scriptedConfig("Reader A 00 00", "Reader B 01 00")

	card, err := cfg.openCard()
	require.NoError(t, err)
	defer card.Close()

	assert.Equal(t, piv.Version{Major: 5, Minor: 4, Patch: 3}, card.Version())
}

func TestOpenCardReaderFilter(t *testing.T) {
	cfg := scriptedConfig("Reader A 00 00")
	cfg.reader = "yubikey"

	_, err := cfg.openCard()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no card matched")
}

func TestOpenCardReaderFilterCaseInsensitive(t *testing.T) {
	cfg := scriptedConfig("YubiKey FIDO+CCID 00 00")
	cfg.reader = "yubikey"

	card, err := cfg.openCard()
	require.NoError(t, err)
	card.Close()
}

func TestOpenCardSerialMismatch(t *testing.T) {
	// The canned response is too short for a serial read, so the serial
	// selector can never match and every reader is skipped.
	cfg := scriptedConfig("Reader A 00 00")
	cfg.serial = 42

	_, err := cfg.openCard()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no card matched")
}

func TestManagementKeyForLength(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantAlg piv.ManagementAlgorithm
		wantErr bool
	}{
		{name: "aes128", size: 16, wantAlg: piv.AlgorithmAES128},
		{name: "tdes", size: 24, wantAlg: piv.Algorithm3DES},
		{name: "aes256", size: 32, wantAlg: piv.AlgorithmAES256},
		{name: "too short", size: 8, wantErr: true},
		{name: "odd", size: 25, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			key, err := managementKeyForLength(make([]byte, tc.size))
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantAlg, key.Algorithm)
			assert.Len(t, key.Key, tc.size)
		})
	}
}

func TestParseManagementKey(t *testing.T) {
	key, err := parseManagementKey(strings.Repeat("0102030405060708", 3))
	require.NoError(t, err)
	assert.Equal(t, piv.Algorithm3DES, key.Algorithm)

	_, err = parseManagementKey("xyz")
	require.Error(t, err)
}

func TestParseAlgorithm(t *testing.T) {
	for name, want := range map[string]piv.Algorithm{
		"ECCP256": piv.AlgorithmEC256,
		"eccp384": piv.AlgorithmEC384,
		"p256":    piv.AlgorithmEC256,
		"RSA1024": piv.AlgorithmRSA1024,
		"rsa2048": piv.AlgorithmRSA2048,
	} {
		got, err := parseAlgorithm(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := parseAlgorithm("ed25519")
	require.Error(t, err)
}

func TestParsePolicies(t *testing.T) {
	pp, err := parsePINPolicy("Always")
	require.NoError(t, err)
	assert.Equal(t, piv.PINPolicyAlways, pp)
	_, err = parsePINPolicy("sometimes")
	require.Error(t, err)

	tp, err := parseTouchPolicy("cached")
	require.NoError(t, err)
	assert.Equal(t, piv.TouchPolicyCached, tp)
	_, err = parseTouchPolicy("twice")
	require.Error(t, err)
}

func TestParseManagementAlgorithm(t *testing.T) {
	alg, err := parseManagementAlgorithm("aes192")
	require.NoError(t, err)
	assert.Equal(t, piv.AlgorithmAES192, alg)

	_, err = parseManagementAlgorithm("des")
	require.Error(t, err)
}

func TestParseSlotFlag(t *testing.T) {
	slot, err := parseSlotFlag("KeyManagement")
	require.NoError(t, err)
	assert.Equal(t, piv.SlotKeyManagement, slot)

	_, err = parseSlotFlag("0x9a")
	require.Error(t, err)
}

func TestZeroLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZeroLogger(&buf, false, false, false)

	assert.False(t, logger.IsDebugEnabled())
	logger.DebugMsg("hidden")
	logger.VerboseMsg("also hidden")
	logger.InfoMsg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
}

func TestZeroLoggerDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZeroLogger(&buf, true, false, false)

	assert.True(t, logger.IsDebugEnabled())
	logger.DebugMsgf("apdu %d", 7)
	logger.VerboseMsg("chatty")

	out := buf.String()
	assert.Contains(t, out, "apdu 7")
	// Debug implies verbose.
	assert.Contains(t, out, "chatty")
}

func TestZeroLoggerQuiet(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZeroLogger(&buf, false, false, true)

	logger.InfoMsg("suppressed")
	logger.ErrorMsg(assert.AnError, "still reported")

	out := buf.String()
	assert.NotContains(t, out, "suppressed")
	assert.Contains(t, out, "still reported")
}

func TestNopWrapsNil(t *testing.T) {
	assert.NotNil(t, Nop(nil))

	var buf bytes.Buffer
	logger := NewZeroLogger(&buf, false, false, false)
	assert.Equal(t, LogI(logger), Nop(logger))
}

func TestSetupWiresTrace(t *testing.T) {
	cfg := &config{debug: true, quiet: true}
	cfg.setup()

	require.NotNil(t, cfg.client)
	require.NotNil(t, cfg.client.Trace)
	require.NotNil(t, cfg.client.Trace.Transmit)
	require.NotNil(t, cfg.client.Trace.TransmitResult)

	plain := &config{}
	plain.setup()
	assert.Nil(t, plain.client.Trace)
}

func TestTraceHooksLog(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZeroLogger(&buf, true, false, false)

	trace := traceHooks(logger)
	trace.Transmit([]byte{0x00, 0xcb, 0x3f, 0xff})
	trace.TransmitResult([]byte{0x00, 0xcb, 0x3f, 0xff}, []byte{0xaa}, 3, 0x90, 0x00)

	out := buf.String()
	assert.Contains(t, out, "apdu tx")
	assert.Contains(t, out, "00 cb 3f ff")
	assert.Contains(t, out, "sw=9000")
}