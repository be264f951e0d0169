// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package msnp_test

import (
	"strconv"
	"testing"

	"mellium.im/msnp"
)

var codeTests = [...]struct {
	code  msnp.Code
	fatal bool
	auth  bool
}{
	0: {code: msnp.CodeInvalidSyntax},
	1: {code: msnp.CodeAlreadySignedIn, fatal: true},
	2: {code: msnp.CodeGoingDownSoon, fatal: true},
	3: {code: msnp.CodeAuthFailed, fatal: true, auth: true},
	4: {code: msnp.CodeAccountUnverified, fatal: true, auth: true},
	5: {code: msnp.CodeServerBusy},
	6: {code: msnp.CodeNotOnList},
}

func TestCodes(t *testing.T) {
	for i, tc := range codeTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			if fatal := tc.code.Fatal(); fatal != tc.fatal {
				t.Errorf("wrong fatal for %d: want=%t, got=%t", tc.code, tc.fatal, fatal)
			}
			if auth := tc.code.Auth(); auth != tc.auth {
				t.Errorf("wrong auth for %d: want=%t, got=%t", tc.code, tc.auth, auth)
			}
			if tc.code.String() == "" {
				t.Errorf("missing description for %d", tc.code)
			}
		})
	}
}

func TestServerError(t *testing.T) {
	err := msnp.ServerError{Code: msnp.CodeAuthFailed, ID: 3}
	if s := err.Error(); s == "" {
		t.Error("expected a non-empty error string")
	}
}
