package quotaclient

import (
	"errors"
	"fmt"
	"strings"
)

// Denial kinds, matching which pool refused the reservation.
const (
	KindToken   = "token"
	KindRequest = "request"
)

// QuotaError is an in-band quota denial from the counter. It is not a
// transport failure; the counter answered and said no.
type QuotaError struct {
	Kind              string
	SecondsUntilReset int
	Message           string
}

func (e *QuotaError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s limit would be exceeded", e.Kind)
}

// denialKind infers the exhausted pool from the counter's message.
func denialKind(msg string) string {
	if strings.HasPrefix(msg, "Token ") {
		return KindToken
	}
	return KindRequest
}

// Denial signatures, matched case-insensitively. Callers that lost the
// typed error across a serialization boundary still get recognized.
var denialSignatures = []string{
	"token limit would be exceeded",
	"api rate limit would be exceeded",
	"rate limit would be exceeded",
	"limit would be exceeded",
}

// IsQuotaDenial reports whether err represents a quota denial, either as
// a *QuotaError anywhere in the chain or by message signature.
func IsQuotaDenial(err error) bool {
	if err == nil {
		return false
	}
	var qe *QuotaError
	if errors.As(err, &qe) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range denialSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
