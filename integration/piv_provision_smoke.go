// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Binary piv_provision_smoke runs the generate, self-sign, and verify path
// against a real card with default credentials. It overwrites the key and
// certificate in the authentication slot.
package main

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509/pkix"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/cardsmith/pivcard/piv"
)

func main() {
	cards, err := piv.Cards()
	if err != nil {
		log.Fatalf("listing cards: %v", err)
	}
	reader := ""
	for _, card := range cards {
		if strings.Contains(strings.ToLower(card), "yubikey") {
			reader = card
			break
		}
	}
	if reader == "" {
		log.Fatalf("no cards available")
	}
	card, err := piv.Open(reader)
	if err != nil {
		log.Fatalf("opening card: %v", err)
	}
	defer card.Close()
	log.Printf("card version %s", card.Version())

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
	log.Printf("generated key in slot %s", piv.SlotAuthentication)

	if err := card.VerifyPIN(piv.DefaultPIN); err != nil {
		log.Fatalf("verifying pin: %v", err)
	}
	now := time.Now()
	cert, err := card.GenerateSelfSignedCertificate(piv.SlotAuthentication, pub, piv.SelfSigned{
		Subject:   pkix.Name{CommonName: "provision smoke"},
		NotBefore: now,
		NotAfter:  now.Add(24 * time.Hour),
	})
	if err != nil {
		log.Fatalf("issuing certificate: %v", err)
	}
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		log.Fatalf("certificate signature doesn't verify: %v", err)
	}

	stored, err := card.Certificate(piv.SlotAuthentication)
	if err != nil {
		log.Fatalf("reading back certificate: %v", err)
	}
	if !bytes.Equal(stored.Raw, cert.Raw) {
		log.Fatalf("stored certificate differs from the issued one")
	}
	log.Printf("certificate stored, serial %s", cert.SerialNumber)

	priv, err := card.PrivateKey(piv.SlotAuthentication, pub, piv.KeyAuth{PIN: piv.DefaultPIN})
	if err != nil {
		log.Fatalf("getting private key: %v", err)
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		log.Fatalf("private key doesn't implement crypto.Signer")
	}
	digest := sha256.Sum256([]byte("provision smoke"))
	sig, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		log.Fatalf("signing: %v", err)
	}
	if !ecdsa.VerifyASN1(pub.(*ecdsa.PublicKey), digest[:], sig) {
		log.Fatalf("signature doesn't verify")
	}
	log.Printf("signature verified")

	attest, err := card.Attest(piv.SlotAuthentication)
	if errors.Is(err, piv.ErrNotSupported) {
		log.Printf("firmware doesn't support attestation, skipping")
		return
	}
	if err != nil {
		log.Fatalf("attesting key: %v", err)
	}
	attestCA, err := card.AttestationCertificate()
	if err != nil {
		log.Fatalf("reading attestation certificate: %v", err)
	}
	if err := attest.CheckSignatureFrom(attestCA); err != nil {
		log.Fatalf("attestation doesn't chain: %v", err)
	}
	log.Printf("attestation verified")
}
