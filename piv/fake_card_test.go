package piv

// A simulated PIV applet. It sits below the transaction codec, so tests
// exercise the real framing, chaining, and status word handling against an
// applet whose state machine mirrors a card: security status drops on every
// applet selection, retry counters decrement and block, and private key
// operations run real crypto so signatures verify against the generated
// public keys.

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/cardsmith/pivcard/tlv"
)

type fakeSecret struct {
	value   []byte // padded to 8 bytes
	retries int
	max     int
	def     bool
}

func newFakeSecret(code string, max int) fakeSecret {
	padded, err := encodePIN(code)
	if err != nil {
		panic(err)
	}
	return fakeSecret{value: padded, retries: max, max: max, def: true}
}

// check implements the retry counter: a wrong code consumes an attempt, the
// right one restores the counter, a blocked code refuses outright.
func (s *fakeSecret) check(presented []byte) uint16 {
	if s.retries == 0 {
		return 0x6983
	}
	if !bytes.Equal(presented, s.value) {
		s.retries--
		return 0x63c0 | uint16(s.retries&0xf)
	}
	s.retries = s.max
	return 0x9000
}

func (s *fakeSecret) set(code []byte) {
	s.value = append([]byte(nil), code...)
	s.retries = s.max
	s.def = false
}

type fakeKey struct {
	alg Algorithm
	// Wire encoding of the policies, as they appeared in the generation
	// template.
	pin   byte
	touch byte
	priv  crypto.PrivateKey
}

type fakeApplet struct {
	version Version
	serial  uint32

	selected []byte

	pin fakeSecret
	puk fakeSecret

	mgmtKey     ManagementKey
	mgmtDefault bool
	mgmtTouch   bool

	// metadata reports whether the firmware answers GET METADATA. Firmware
	// before 5.3 doesn't.
	metadata bool

	keys    map[Slot]*fakeKey
	objects map[string][]byte

	attCAKey  *ecdsa.PrivateKey
	attCACert *x509.Certificate

	// Security status of the current selection.
	pinOK  bool
	mgmtOK bool

	// witness plaintext the applet is waiting to see returned.
	witness []byte

	chain   []byte
	pending []byte

	// transmits counts raw exchanges, letting tests assert that an
	// operation failed before talking to the card at all.
	transmits int
}

func newFakeApplet(t *testing.T) *fakeApplet {
	t.Helper()
	f := &fakeApplet{
		version:     Version{5, 4, 3},
		serial:      10304050,
		pin:         newFakeSecret(DefaultPIN, 3),
		puk:         newFakeSecret(DefaultPUK, 3),
		mgmtKey:     DefaultManagementKey(Algorithm3DES),
		mgmtDefault: true,
		metadata:    true,
		keys:        make(map[Slot]*fakeKey),
		objects:     make(map[string][]byte),
	}
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating attestation ca key: %v", err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Fake PIV Attestation CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, caKey.Public(), caKey)
	if err != nil {
		t.Fatalf("generating attestation ca certificate: %v", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("parsing attestation ca certificate: %v", err)
	}
	f.attCAKey = caKey
	f.attCACert = caCert
	f.storeAttestationCert()
	return f
}

func (f *fakeApplet) storeAttestationCert() {
	obj := tlv.Put(nil, 0x70, f.attCACert.Raw)
	obj = tlv.Put(obj, 0x71, []byte{0x00})
	obj = tlv.Put(obj, 0xfe, nil)
	f.objects[string(ObjectCertAttestation)] = obj
}

// Transmit implements the raw card exchange: parse the framing, collect
// command chains, dispatch, and dribble large responses behind 61xx status
// words.
func (f *fakeApplet) Transmit(req []byte) ([]byte, error) {
	f.transmits++
	if len(req) < 5 {
		return []byte{0x67, 0x00}, nil
	}
	cla, ins, p1, p2, lc := req[0], req[1], req[2], req[3], int(req[4])
	data := req[5:]
	if len(data) != lc {
		return []byte{0x67, 0x00}, nil
	}
	if ins == insGetResponseAPDU {
		return f.pop(), nil
	}
	if cla&0x10 != 0 {
		f.chain = append(f.chain, data...)
		return []byte{0x90, 0x00}, nil
	}
	if len(f.chain) > 0 {
		data = append(f.chain, data...)
		f.chain = nil
	}
	payload, sw := f.handle(ins, p1, p2, data)
	if sw != 0x9000 {
		return []byte{byte(sw >> 8), byte(sw)}, nil
	}
	f.pending = payload
	return f.pop(), nil
}

func (f *fakeApplet) pop() []byte {
	const max = 256
	if len(f.pending) <= max {
		out := append([]byte(nil), f.pending...)
		f.pending = nil
		return append(out, 0x90, 0x00)
	}
	out := append([]byte(nil), f.pending[:max]...)
	f.pending = f.pending[max:]
	rem := len(f.pending)
	if rem > 0xff {
		rem = 0
	}
	return append(out, 0x61, byte(rem))
}

func (f *fakeApplet) handle(ins, p1, p2 byte, data []byte) ([]byte, uint16) {
	if ins == insSelectApplication && p1 == 0x04 {
		return f.selectApplet(data)
	}
	if !bytes.Equal(f.selected, aidPIV[:]) {
		if bytes.Equal(f.selected, aidYubiKey[:]) && ins == 0x01 && p1 == 0x10 {
			return f.serialBytes(), 0x9000
		}
		return nil, 0x6d00
	}
	switch ins {
	case insGetVersion:
		return []byte{byte(f.version.Major), byte(f.version.Minor), byte(f.version.Patch)}, 0x9000
	case insGetSerial:
		if f.version.Major < 5 {
			return nil, 0x6d00
		}
		return f.serialBytes(), 0x9000
	case insVerify:
		return f.verify(p2, data)
	case insChangeReference:
		return f.changeReference(p2, data)
	case insResetRetry:
		return f.resetRetry(p2, data)
	case insAuthenticate:
		return f.generalAuthenticate(p1, p2, data)
	case insGenerateAsymmetric:
		return f.generateAsymmetric(p2, data)
	case insGetMetadata:
		return f.keyMetadata(p2)
	case insGetData:
		return f.getData(p1, p2, data)
	case insPutData:
		return f.putData(p1, p2, data)
	case insSetMGMKey:
		return f.setManagementKey(p1, p2, data)
	case insSetPINRetries:
		return f.setPINRetries(p1, p2)
	case insReset:
		return f.reset()
	case insAttest:
		return f.attest(p1)
	}
	return nil, 0x6d00
}

func (f *fakeApplet) selectApplet(aid []byte) ([]byte, uint16) {
	for _, known := range [][]byte{aidPIV[:], aidManagement[:], aidYubiKey[:]} {
		if bytes.Equal(aid, known) {
			f.selected = known
			// Selection resets the security status.
			f.pinOK = false
			f.mgmtOK = false
			f.witness = nil
			return nil, 0x9000
		}
	}
	return nil, 0x6a82
}

func (f *fakeApplet) serialBytes() []byte {
	return []byte{
		byte(f.serial >> 24), byte(f.serial >> 16),
		byte(f.serial >> 8), byte(f.serial),
	}
}

func (f *fakeApplet) verify(p2 byte, data []byte) ([]byte, uint16) {
	if p2 != 0x80 {
		return nil, 0x6a86
	}
	if len(data) == 0 {
		// Retry probe. Succeeds outright if the PIN was already presented.
		if f.pinOK {
			return nil, 0x9000
		}
		if f.pin.retries == 0 {
			return nil, 0x6983
		}
		return nil, 0x63c0 | uint16(f.pin.retries&0xf)
	}
	if len(data) != 8 {
		return nil, 0x6700
	}
	sw := f.pin.check(data)
	if sw == 0x9000 {
		f.pinOK = true
	}
	return nil, sw
}

func (f *fakeApplet) changeReference(p2 byte, data []byte) ([]byte, uint16) {
	var s *fakeSecret
	switch p2 {
	case 0x80:
		s = &f.pin
	case 0x81:
		s = &f.puk
	default:
		return nil, 0x6a86
	}
	if len(data) != 16 {
		return nil, 0x6700
	}
	if sw := s.check(data[:8]); sw != 0x9000 {
		return nil, sw
	}
	s.set(data[8:])
	return nil, 0x9000
}

func (f *fakeApplet) resetRetry(p2 byte, data []byte) ([]byte, uint16) {
	if p2 != 0x80 {
		return nil, 0x6a86
	}
	if len(data) != 16 {
		return nil, 0x6700
	}
	if sw := f.puk.check(data[:8]); sw != 0x9000 {
		return nil, sw
	}
	f.pin.set(data[8:])
	return nil, 0x9000
}

func (f *fakeApplet) generalAuthenticate(p1, p2 byte, data []byte) ([]byte, uint16) {
	tmpl, err := tlv.Get(data, 0x7c)
	if err != nil {
		return nil, 0x6a80
	}
	if Slot(p2) == SlotCardManagement {
		return f.mutualAuthenticate(p1, tmpl)
	}
	return f.dynamicAuthenticate(p1, p2, tmpl)
}

func (f *fakeApplet) mutualAuthenticate(p1 byte, tmpl []byte) ([]byte, uint16) {
	if p1 != byte(f.mgmtKey.Algorithm) {
		return nil, 0x6a86
	}
	block, err := f.mgmtKey.Algorithm.newCipher(f.mgmtKey.Key)
	if err != nil {
		return nil, 0x6f00
	}
	bs := f.mgmtKey.Algorithm.blockSize()
	witness, hasWitness, err := tlv.Lookup(tmpl, 0x80)
	if err != nil {
		return nil, 0x6a80
	}
	challenge, hasChallenge, err := tlv.Lookup(tmpl, 0x81)
	if err != nil {
		return nil, 0x6a80
	}
	if hasWitness && len(witness) == 0 && !hasChallenge {
		plain := make([]byte, bs)
		if _, err := rand.Read(plain); err != nil {
			return nil, 0x6f00
		}
		f.witness = plain
		ct := make([]byte, bs)
		block.Encrypt(ct, plain)
		return tlv.Put(nil, 0x7c, tlv.Put(nil, 0x80, ct)), 0x9000
	}
	if hasWitness && hasChallenge {
		expected := f.witness
		f.witness = nil
		if expected == nil || !bytes.Equal(witness, expected) {
			return nil, 0x6982
		}
		if len(challenge) != bs {
			return nil, 0x6a80
		}
		ct := make([]byte, bs)
		block.Encrypt(ct, challenge)
		f.mgmtOK = true
		return tlv.Put(nil, 0x7c, tlv.Put(nil, 0x82, ct)), 0x9000
	}
	return nil, 0x6a80
}

func (f *fakeApplet) dynamicAuthenticate(p1, p2 byte, tmpl []byte) ([]byte, uint16) {
	key, ok := f.keys[Slot(p2)]
	if !ok {
		return nil, 0x6a86
	}
	if p1 != byte(key.alg) {
		return nil, 0x6a80
	}
	if key.pin != pinPolicyMap[PINPolicyNever] && !f.pinOK {
		return nil, 0x6982
	}
	challenge, err := tlv.Get(tmpl, 0x81)
	if err != nil {
		return nil, 0x6a80
	}
	var result []byte
	switch priv := key.priv.(type) {
	case *ecdsa.PrivateKey:
		sig, err := ecdsa.SignASN1(rand.Reader, priv, challenge)
		if err != nil {
			return nil, 0x6f00
		}
		result = sig
	case *rsa.PrivateKey:
		if len(challenge) != priv.Size() {
			return nil, 0x6700
		}
		c := new(big.Int).SetBytes(challenge)
		if c.Cmp(priv.N) >= 0 {
			return nil, 0x6a80
		}
		// Raw private key operation, the card applies no padding itself.
		m := new(big.Int).Exp(c, priv.D, priv.N)
		result = make([]byte, priv.Size())
		m.FillBytes(result)
	default:
		return nil, 0x6f00
	}
	return tlv.Put(nil, 0x7c, tlv.Put(nil, 0x82, result)), 0x9000
}

func (f *fakeApplet) generateAsymmetric(p2 byte, data []byte) ([]byte, uint16) {
	if !f.mgmtOK {
		return nil, 0x6982
	}
	tmpl, err := tlv.Get(data, 0xac)
	if err != nil {
		return nil, 0x6a80
	}
	algB, err := tlv.Get(tmpl, tagAlgorithm)
	if err != nil || len(algB) != 1 {
		return nil, 0x6a80
	}
	pp := pinPolicyMap[PINPolicyNever]
	if v, ok, _ := tlv.Lookup(tmpl, tagPINPolicy); ok && len(v) == 1 {
		pp = v[0]
	}
	tp := touchPolicyMap[TouchPolicyNever]
	if v, ok, _ := tlv.Lookup(tmpl, tagTouchPolicy); ok && len(v) == 1 {
		tp = v[0]
	}
	var priv crypto.PrivateKey
	switch Algorithm(algB[0]) {
	case AlgorithmRSA1024:
		k, err := rsa.GenerateKey(rand.Reader, 1024)
		if err != nil {
			return nil, 0x6f00
		}
		priv = k
	case AlgorithmRSA2048:
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, 0x6f00
		}
		priv = k
	case AlgorithmEC256:
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, 0x6f00
		}
		priv = k
	case AlgorithmEC384:
		k, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		if err != nil {
			return nil, 0x6f00
		}
		priv = k
	default:
		return nil, 0x6a80
	}
	f.keys[Slot(p2)] = &fakeKey{alg: Algorithm(algB[0]), pin: pp, touch: tp, priv: priv}
	return tlv.Put(nil, 0x7f49, encodeFakePublic(priv)), 0x9000
}

func encodeFakePublic(priv crypto.PrivateKey) []byte {
	switch k := priv.(type) {
	case *rsa.PrivateKey:
		out := tlv.Put(nil, 0x81, k.N.Bytes())
		return tlv.Put(out, 0x82, big.NewInt(int64(k.E)).Bytes())
	case *ecdsa.PrivateKey:
		size := (k.Curve.Params().BitSize + 7) / 8
		point := make([]byte, 1+2*size)
		point[0] = 0x04
		k.X.FillBytes(point[1 : 1+size])
		k.Y.FillBytes(point[1+size:])
		return tlv.Put(nil, 0x86, point)
	}
	return nil
}

func (f *fakeApplet) keyMetadata(p2 byte) ([]byte, uint16) {
	if !f.metadata {
		return nil, 0x6d00
	}
	switch Slot(p2) {
	case SlotPIN:
		return codeMetadata(&f.pin), 0x9000
	case SlotPUK:
		return codeMetadata(&f.puk), 0x9000
	case SlotCardManagement:
		out := tlv.Put(nil, 0x01, []byte{byte(f.mgmtKey.Algorithm)})
		tp := touchPolicyMap[TouchPolicyNever]
		if f.mgmtTouch {
			tp = touchPolicyMap[TouchPolicyAlways]
		}
		out = tlv.Put(out, 0x02, []byte{pinPolicyMap[PINPolicyNever], tp})
		def := byte(0x00)
		if f.mgmtDefault {
			def = 0x01
		}
		return tlv.Put(out, 0x05, []byte{def}), 0x9000
	}
	key, ok := f.keys[Slot(p2)]
	if !ok {
		return nil, 0x6a88
	}
	out := tlv.Put(nil, 0x01, []byte{byte(key.alg)})
	out = tlv.Put(out, 0x02, []byte{key.pin, key.touch})
	out = tlv.Put(out, 0x03, []byte{0x01}) // generated on card
	return tlv.Put(out, 0x04, encodeFakePublic(key.priv)), 0x9000
}

func codeMetadata(s *fakeSecret) []byte {
	out := tlv.Put(nil, 0x01, []byte{0xff})
	def := byte(0x00)
	if s.def {
		def = 0x01
	}
	out = tlv.Put(out, 0x05, []byte{def})
	return tlv.Put(out, 0x06, []byte{byte(s.max), byte(s.retries)})
}

func (f *fakeApplet) getData(p1, p2 byte, data []byte) ([]byte, uint16) {
	if p1 != 0x3f || p2 != 0xff {
		return nil, 0x6a86
	}
	id, err := tlv.Get(data, 0x5c)
	if err != nil {
		return nil, 0x6a80
	}
	if bytes.Equal(id, ObjectPrinted) && !f.pinOK {
		return nil, 0x6982
	}
	obj, ok := f.objects[string(id)]
	if !ok {
		return nil, 0x6a82
	}
	return tlv.Put(nil, 0x53, obj), 0x9000
}

func (f *fakeApplet) putData(p1, p2 byte, data []byte) ([]byte, uint16) {
	if p1 != 0x3f || p2 != 0xff {
		return nil, 0x6a86
	}
	if !f.mgmtOK {
		return nil, 0x6982
	}
	id, err := tlv.Get(data, 0x5c)
	if err != nil {
		return nil, 0x6a80
	}
	obj, err := tlv.Get(data, 0x53)
	if err != nil {
		return nil, 0x6a80
	}
	f.objects[string(id)] = append([]byte(nil), obj...)
	return nil, 0x9000
}

func (f *fakeApplet) setManagementKey(p1, p2 byte, data []byte) ([]byte, uint16) {
	if !f.mgmtOK {
		return nil, 0x6982
	}
	if p1 != 0xff || (p2 != 0xff && p2 != 0xfe) {
		return nil, 0x6a86
	}
	if len(data) < 3 || data[1] != byte(SlotCardManagement) {
		return nil, 0x6a80
	}
	alg := ManagementAlgorithm(data[0])
	key := data[3:]
	if int(data[2]) != len(key) || alg.KeySize() != len(key) {
		return nil, 0x6a80
	}
	f.mgmtKey = ManagementKey{Algorithm: alg, Key: append([]byte(nil), key...)}
	f.mgmtDefault = false
	f.mgmtTouch = p2 == 0xfe
	return nil, 0x9000
}

func (f *fakeApplet) setPINRetries(p1, p2 byte) ([]byte, uint16) {
	if !f.mgmtOK || !f.pinOK {
		return nil, 0x6982
	}
	if p1 == 0 || p2 == 0 {
		return nil, 0x6a86
	}
	f.pin = newFakeSecret(DefaultPIN, int(p1))
	f.puk = newFakeSecret(DefaultPUK, int(p2))
	return nil, 0x9000
}

func (f *fakeApplet) reset() ([]byte, uint16) {
	if f.pin.retries != 0 || f.puk.retries != 0 {
		return nil, 0x6982
	}
	f.pin = newFakeSecret(DefaultPIN, 3)
	f.puk = newFakeSecret(DefaultPUK, 3)
	f.mgmtKey = DefaultManagementKey(Algorithm3DES)
	f.mgmtDefault = true
	f.mgmtTouch = false
	f.keys = make(map[Slot]*fakeKey)
	f.objects = make(map[string][]byte)
	// The attestation intermediate survives a reset.
	f.storeAttestationCert()
	return nil, 0x9000
}

func (f *fakeApplet) attest(p1 byte) ([]byte, uint16) {
	key, ok := f.keys[Slot(p1)]
	if !ok {
		return nil, 0x6a80
	}
	signer, ok := key.priv.(crypto.Signer)
	if !ok {
		return nil, 0x6f00
	}
	serialDER, err := asn1.Marshal(int64(f.serial))
	if err != nil {
		return nil, 0x6f00
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(int64(f.serial)),
		Subject:      pkix.Name{CommonName: fmt.Sprintf("Fake PIV Attestation 0x%02x", p1)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		ExtraExtensions: []pkix.Extension{
			{Id: extIDFirmwareVersion, Value: []byte{
				byte(f.version.Major), byte(f.version.Minor), byte(f.version.Patch),
			}},
			{Id: extIDSerialNumber, Value: serialDER},
			{Id: extIDKeyPolicy, Value: []byte{key.pin, key.touch}},
		},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, f.attCACert, signer.Public(), f.attCAKey)
	if err != nil {
		return nil, 0x6f00
	}
	return der, 0x9000
}

var _ transmitter = (*fakeApplet)(nil)

type fakeConstructor struct {
	applet *fakeApplet
}

func (f fakeConstructor) NewSCContext() (SCContext, error) {
	return &fakeContext{applet: f.applet}, nil
}

type fakeContext struct {
	applet *fakeApplet
}

func (c *fakeContext) Close() error { return nil }

func (c *fakeContext) ListReaders() ([]string, error) {
	return []string{"Fake Smart Card Reader 00 00"}, nil
}

func (c *fakeContext) Connect(reader string) (SCHandle, error) {
	return &fakeHandle{applet: c.applet}, nil
}

type fakeHandle struct {
	applet *fakeApplet
}

func (h *fakeHandle) Close() error { return nil }

// Begin hands out a real transaction codec sitting on the simulated applet,
// so chaining and response continuation run exactly as against hardware.
func (h *fakeHandle) Begin() (SCTx, error) {
	return &scTx{card: h.applet}, nil
}

// openFakeApplet connects a Card to the given simulated applet.
func openFakeApplet(t *testing.T, applet *fakeApplet) (*Card, func()) {
	t.Helper()
	client := &Client{SC: fakeConstructor{applet: applet}}
	card, err := client.Open("Fake Smart Card Reader 00 00")
	if err != nil {
		t.Fatalf("opening fake card: %v", err)
	}
	return card, func() {
		if err := card.Close(); err != nil {
			t.Errorf("closing fake card: %v", err)
		}
	}
}

// newFakeCard returns a Card backed by a fresh simulated applet with
// factory settings.
func newFakeCard(t *testing.T) (*Card, *fakeApplet, func()) {
	t.Helper()
	applet := newFakeApplet(t)
	card, close := openFakeApplet(t, applet)
	return card, applet, close
}
