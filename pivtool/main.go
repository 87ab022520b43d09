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

// Command pivtool manages PIV smart cards: key generation, certificates,
// PINs, and card data objects.
package main

import (
	"fmt"
	"io"
	"os"
)

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: pivtool <command> [flags]

Manage PIV smart cards.

Commands:

    list                List connected readers and the cards in them.
    info                Show card version, serial, retries, and key slots.
    generate            Generate an asymmetric key in a slot.
    selfsign            Issue a self-signed certificate for a slot's key.
    change-pin          Change the card's PIN.
    change-puk          Change the card's PUK.
    unblock             Unblock the PIN using the PUK.
    set-management-key  Rotate the card's management key.
    chuid               Show or rewrite the cardholder unique identifier.
    reset               Factory reset the PIV applet.

Flags shared by card commands:

    -reader substring   Select the reader by name substring.
    -serial number      Select the card by serial number.
    -debug              Log every APDU exchanged with the card.
    -verbose            Log card selection and command progress.
    -quiet              Suppress diagnostics, print values only.

Run "pivtool <command> -h" for the command's own flags.
`)
}

var commands = map[string]func(args []string) error{
	"list":               cmdList,
	"info":               cmdInfo,
	"generate":           cmdGenerate,
	"selfsign":           cmdSelfsign,
	"change-pin":         cmdChangePIN,
	"change-puk":         cmdChangePUK,
	"unblock":            cmdUnblock,
	"set-management-key": cmdSetManagementKey,
	"chuid":              cmdCHUID,
	"reset":              cmdReset,
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	switch os.Args[1] {
	case "-h", "--help", "help":
		usage(os.Stdout)
		return
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unrecognized command: %s\n", os.Args[1])
		os.Exit(1)
	}
	if err := cmd(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
