// Binary selfsign generates a key on a connected PIV card and issues a
// self-signed certificate for it, printing the certificate as PEM.
//
// It assumes a card with default credentials, such as one fresh from a
// factory reset. Don't run it against a provisioned card.
package main

import (
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cardsmith/pivcard/piv"
)

func main() {
	cards, err := piv.Cards()
	if err != nil {
		log.Fatalf("listing cards: %v", err)
	}
	if len(cards) == 0 {
		log.Fatal("no smart card readers found")
	}
	card, err := piv.Open(cards[0])
	if err != nil {
		log.Fatalf("opening card: %v", err)
	}
	defer card.Close()

	// Authenticate negotiates the cipher with the card, so the 3DES tag
	// works on AES-default firmware too.
	if err := card.Authenticate(piv.DefaultManagementKey(piv.Algorithm3DES)); err != nil {
		log.Fatalf("authenticating with management key: %v", err)
	}
	pub, err := card.GenerateKey(piv.SlotAuthentication, piv.Key{
		Algorithm:   piv.AlgorithmEC256,
		PINPolicy:   piv.PINPolicyOnce,
		TouchPolicy: piv.TouchPolicyNever,
	})
	if err != nil {
		log.Fatalf("generating key: %v", err)
	}
	if err := card.VerifyPIN(piv.DefaultPIN); err != nil {
		log.Fatalf("verifying pin: %v", err)
	}

	now := time.Now()
	cert, err := card.GenerateSelfSignedCertificate(piv.SlotAuthentication, pub, piv.SelfSigned{
		Subject:   pkix.Name{CommonName: "selfsign example"},
		NotBefore: now,
		NotAfter:  now.AddDate(1, 0, 0),
	})
	if err != nil {
		log.Fatalf("issuing certificate: %v", err)
	}

	fmt.Fprintf(os.Stderr, "issued certificate, serial %s\n", cert.SerialNumber)
	if err := pem.Encode(os.Stdout, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
		log.Fatalf("encoding certificate: %v", err)
	}
}
