// Copyright 2025 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package msnp

import (
	"strconv"
)

// Code is a numeric protocol error reply. The server reports failures by
// echoing a three digit code in the verb position of a command.
type Code int

// A list of error codes used by the notification and switchboard servers.
const (
	CodeInvalidSyntax       Code = 200
	CodeInvalidParameter    Code = 201
	CodeInvalidUser         Code = 205
	CodeDomainMissing       Code = 206
	CodeAlreadySignedIn     Code = 207
	CodeInvalidUsername     Code = 208
	CodeListFull            Code = 210
	CodeAlreadyOnList       Code = 215
	CodeNotOnList           Code = 216
	CodeNotOnline           Code = 217
	CodeAlreadyInMode       Code = 218
	CodeOppositeList        Code = 219
	CodeTooManyGroups       Code = 223
	CodeInvalidGroup        Code = 224
	CodeGroupNotEmpty       Code = 227
	CodeGroupNameTooLong    Code = 229
	CodeSwitchboardFailed   Code = 280
	CodeNotifyTransferFail  Code = 281
	CodeRequiredFieldsEmpty Code = 300
	CodeNotSignedIn         Code = 302
	CodeInternalServer      Code = 500
	CodeDatabaseServer      Code = 501
	CodeCommandDisabled     Code = 502
	CodeChallengeFailed     Code = 540
	CodeServerBusy          Code = 600
	CodeServerUnavailable   Code = 601
	CodeDatabaseConnection  Code = 603
	CodeGoingDownSoon       Code = 604
	CodeConnectionFailed    Code = 707
	CodeBadCVRParameters    Code = 710
	CodeWriteBlocked        Code = 711
	CodeSessionOverload     Code = 712
	CodeTooManySessions     Code = 714
	CodeNotExpected         Code = 715
	CodeChangesTooRapid     Code = 800
	CodeServerTooBusy       Code = 910
	CodeAuthFailed          Code = 911
	CodeNotAllowedOffline   Code = 913
	CodeNoNewUsers          Code = 920
	CodeAccountUnverified   Code = 924
)

// Fatal reports whether the code indicates that the server is terminating
// the session. Non-fatal codes are surfaced as events and the connection
// stays up.
func (c Code) Fatal() bool {
	switch c {
	case CodeAlreadySignedIn, CodeGoingDownSoon, CodeSessionOverload, CodeAuthFailed, CodeNoNewUsers, CodeAccountUnverified:
		return true
	}
	return false
}

// Auth reports whether the code indicates an authentication failure.
func (c Code) Auth() bool {
	return c == CodeAuthFailed || c == CodeAccountUnverified
}

func (c Code) String() string {
	switch c {
	case CodeInvalidSyntax:
		return "invalid command syntax"
	case CodeInvalidParameter:
		return "invalid command parameter"
	case CodeInvalidUser:
		return "invalid user"
	case CodeDomainMissing:
		return "domain name missing"
	case CodeAlreadySignedIn:
		return "already signed in elsewhere"
	case CodeInvalidUsername:
		return "invalid username"
	case CodeListFull:
		return "contact list is full"
	case CodeAlreadyOnList:
		return "contact is already on the list"
	case CodeNotOnList:
		return "contact is not on the list"
	case CodeNotOnline:
		return "contact is not online"
	case CodeAlreadyInMode:
		return "already in the requested mode"
	case CodeOppositeList:
		return "contact is on the opposite list"
	case CodeTooManyGroups:
		return "too many groups"
	case CodeInvalidGroup:
		return "invalid group"
	case CodeGroupNotEmpty:
		return "group is not empty"
	case CodeGroupNameTooLong:
		return "group name is too long"
	case CodeSwitchboardFailed:
		return "switchboard server failed"
	case CodeNotifyTransferFail:
		return "transfer to switchboard failed"
	case CodeRequiredFieldsEmpty:
		return "required fields missing"
	case CodeNotSignedIn:
		return "not signed in"
	case CodeInternalServer:
		return "internal server error"
	case CodeDatabaseServer:
		return "database server error"
	case CodeCommandDisabled:
		return "command disabled"
	case CodeChallengeFailed:
		return "challenge response failed"
	case CodeServerBusy, CodeServerTooBusy:
		return "server is busy"
	case CodeServerUnavailable:
		return "server is unavailable"
	case CodeDatabaseConnection:
		return "could not connect to database"
	case CodeGoingDownSoon:
		return "server is going down"
	case CodeConnectionFailed:
		return "connection failed"
	case CodeBadCVRParameters:
		return "bad client version parameters"
	case CodeWriteBlocked:
		return "write is blocked"
	case CodeSessionOverload:
		return "session overload"
	case CodeTooManySessions:
		return "too many sessions"
	case CodeNotExpected:
		return "command not expected"
	case CodeChangesTooRapid:
		return "list changes too rapid"
	case CodeAuthFailed:
		return "authentication failed"
	case CodeNotAllowedOffline:
		return "not allowed while offline"
	case CodeNoNewUsers:
		return "not accepting new users"
	case CodeAccountUnverified:
		return "account not verified"
	}
	return "unknown error " + strconv.Itoa(int(c))
}

// ServerError is a numeric error reply from the server, paired with the
// transaction id of the command that caused it (0 if it was unsolicited).
type ServerError struct {
	Code Code
	ID   uint32
}

func (e ServerError) Error() string {
	return "msnp: server error " + strconv.Itoa(int(e.Code)) + ": " + e.Code.String()
}
