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

package main

import (
	"encoding/hex"
	"flag"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/cardsmith/pivcard/piv"
)

// config carries the flags shared by every card-touching command, plus the
// logger and client they resolve to.
type config struct {
	reader  string
	serial  uint64
	debug   bool
	verbose bool
	quiet   bool

	logger LogI
	client *piv.Client
}

// newFlagSet registers the shared card selection and logging flags for a
// subcommand.
func newFlagSet(name string, cfg *config) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cfg.reader, "reader", "", "select the reader by name substring")
	fs.Uint64Var(&cfg.serial, "serial", 0, "select the card by serial number")
	fs.BoolVar(&cfg.debug, "debug", false, "log every apdu exchanged with the card")
	fs.BoolVar(&cfg.verbose, "verbose", false, "log card selection and command progress")
	fs.BoolVar(&cfg.quiet, "quiet", false, "suppress diagnostics, print values only")
	return fs
}

// setup finishes the config after flag parsing, building the logger and the
// client carrying the apdu trace hooks when debug logging is on.
func (cfg *config) setup() {
	if cfg.logger == nil {
		cfg.logger = NewZeroLogger(os.Stderr, cfg.debug, cfg.verbose, cfg.quiet)
	}
	if cfg.client == nil {
		cfg.client = &piv.Client{}
	}
	if cfg.debug && cfg.client.Trace == nil {
		cfg.client.Trace = traceHooks(cfg.logger)
	}
}

// traceHooks logs raw apdu traffic through the debug level.
func traceHooks(logger LogI) *piv.ClientTrace {
	logger = Nop(logger)
	return &piv.ClientTrace{
		Transmit: func(req []byte) {
			logger.DebugMsgf("apdu tx [% x]", req)
		},
		TransmitResult: func(req, resp []byte, respN int, sw1, sw2 byte) {
			logger.DebugMsgf("apdu rx sw=%02x%02x n=%d [% x]", sw1, sw2, respN, resp)
		},
	}
}

// openCard connects to the first card matching the config's reader substring
// and serial number. With no selectors, the first reader holding a PIV card
// wins.
func (cfg *config) openCard() (*piv.Card, error) {
	readers, err := cfg.client.Cards()
	if err != nil {
		return nil, errors.Wrap(err, "listing readers")
	}
	if len(readers) == 0 {
		return nil, errors.New("no smart card readers found")
	}
	for _, reader := range readers {
		if cfg.reader != "" && !strings.Contains(strings.ToLower(reader), strings.ToLower(cfg.reader)) {
			continue
		}
		card, err := cfg.client.Open(reader)
		if err != nil {
			cfg.logger.VerboseMsgf("skipping reader %q: %v", reader, err)
			continue
		}
		if cfg.serial != 0 {
			serial, err := card.Serial()
			if err != nil || uint64(serial) != cfg.serial {
				cfg.logger.VerboseMsgf("skipping reader %q: serial mismatch", reader)
				card.Close()
				continue
			}
		}
		cfg.logger.VerboseMsgf("using card in reader %q", reader)
		return card, nil
	}
	return nil, errors.Errorf("no card matched reader %q serial %d", cfg.reader, cfg.serial)
}

// managementKey resolves the management key for commands that need
// administrative access, in order of preference: an explicit hex key, the
// key stored in the PIN-protected data object, a key derived from the PIN
// and the recorded salt, and finally a prompt falling back to the default
// key.
func (cfg *config) managementKey(card *piv.Card, keyHex string) (piv.ManagementKey, error) {
	if keyHex != "" {
		return parseManagementKey(keyHex)
	}

	admin, err := card.AdminData()
	if err != nil {
		return piv.ManagementKey{}, errors.Wrap(err, "reading admin data")
	}
	switch {
	case admin.ProtectedManagementKey:
		cfg.logger.VerboseMsg("management key is PIN-protected")
		if err := cfg.verifyPIN(card); err != nil {
			return piv.ManagementKey{}, err
		}
		m, err := card.Metadata()
		if err != nil {
			return piv.ManagementKey{}, errors.Wrap(err, "reading protected data")
		}
		if m.ManagementKey == nil {
			return piv.ManagementKey{}, errors.New("protected data holds no management key")
		}
		// The object records no cipher. Tag by length and let Authenticate
		// negotiate the algorithm with the card.
		return managementKeyForLength(m.ManagementKey)
	case len(admin.Salt) > 0:
		cfg.logger.VerboseMsg("management key is derived from the PIN")
		pin, err := promptHidden("Enter PIN: ")
		if err != nil {
			return piv.ManagementKey{}, err
		}
		return piv.DeriveManagementKey(pin, admin.Salt), nil
	}

	entered, err := promptHidden("Enter management key (hex, empty for default): ")
	if err != nil {
		return piv.ManagementKey{}, err
	}
	if entered == "" {
		return piv.DefaultManagementKey(piv.Algorithm3DES), nil
	}
	return parseManagementKey(entered)
}

// verifyPIN prompts for the PIN and verifies it for the session.
func (cfg *config) verifyPIN(card *piv.Card) error {
	pin, err := promptHidden("Enter PIN: ")
	if err != nil {
		return err
	}
	if err := card.VerifyPIN(pin); err != nil {
		return errors.Wrap(err, "verifying pin")
	}
	return nil
}

func parseManagementKey(keyHex string) (piv.ManagementKey, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return piv.ManagementKey{}, errors.Wrap(err, "decoding management key")
	}
	return managementKeyForLength(key)
}

// managementKeyForLength tags raw key bytes with the cipher their length
// implies. 24 bytes is ambiguous between 3DES and AES-192; tag it 3DES and
// rely on Authenticate retagging from the card's metadata.
func managementKeyForLength(key []byte) (piv.ManagementKey, error) {
	switch len(key) {
	case 16:
		return piv.NewManagementKey(piv.AlgorithmAES128, key)
	case 24:
		return piv.NewManagementKey(piv.Algorithm3DES, key)
	case 32:
		return piv.NewManagementKey(piv.AlgorithmAES256, key)
	}
	return piv.ManagementKey{}, errors.Errorf("management key must be 16, 24, or 32 bytes, got %d", len(key))
}

// parseAlgorithm maps a -algorithm flag value to a key algorithm.
func parseAlgorithm(name string) (piv.Algorithm, error) {
	switch strings.ToUpper(name) {
	case "RSA1024":
		return piv.AlgorithmRSA1024, nil
	case "RSA2048":
		return piv.AlgorithmRSA2048, nil
	case "ECCP256", "EC256", "P256":
		return piv.AlgorithmEC256, nil
	case "ECCP384", "EC384", "P384":
		return piv.AlgorithmEC384, nil
	}
	return 0, errors.Errorf("unknown algorithm %q", name)
}

func parsePINPolicy(name string) (piv.PINPolicy, error) {
	switch strings.ToLower(name) {
	case "never":
		return piv.PINPolicyNever, nil
	case "once":
		return piv.PINPolicyOnce, nil
	case "always":
		return piv.PINPolicyAlways, nil
	}
	return 0, errors.Errorf("unknown pin policy %q", name)
}

func parseTouchPolicy(name string) (piv.TouchPolicy, error) {
	switch strings.ToLower(name) {
	case "never":
		return piv.TouchPolicyNever, nil
	case "always":
		return piv.TouchPolicyAlways, nil
	case "cached":
		return piv.TouchPolicyCached, nil
	}
	return 0, errors.Errorf("unknown touch policy %q", name)
}

func parseSlotFlag(label string) (piv.Slot, error) {
	slot, ok := piv.ParseSlot(label)
	if !ok {
		return 0, errors.Errorf("unknown slot %q", label)
	}
	return slot, nil
}
