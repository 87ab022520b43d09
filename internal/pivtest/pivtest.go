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

// Package pivtest holds the flag destructive hardware tests gate on.
package pivtest

import "flag"

// CanModifyCard is true when the test run may wipe and rewrite the smart
// card plugged into the machine.
var CanModifyCard bool

func init() {
	flag.BoolVar(&CanModifyCard, "wipe-card", false,
		"Flag required to run tests that reset the card and destroy all its keys.")
}
