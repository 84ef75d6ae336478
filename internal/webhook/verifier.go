// Package webhook authenticates payment processor deliveries signed with
// the "t=<unix>,v1=<hex>" scheme.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/GY-Bai/baidaohui5/internal/apperror"
	"github.com/GY-Bai/baidaohui5/internal/model"
)

const DefaultTolerance = 300 * time.Second

var (
	errMalformedHeader = errors.New("malformed signature header")
	errStale           = errors.New("timestamp outside tolerance")
	errNoMatch         = errors.New("no matching signature")
	errPayload         = errors.New("invalid payload")
	errMissingID       = errors.New("event id missing")
)

type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration, now func() time.Time) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       now,
	}
}

// Verify checks header against the verbatim request body and only then
// decodes it. Every failure wraps apperror.ErrVerification; none of them
// carry the expected signature.
func (v *Verifier) Verify(payload []byte, header string) (*model.PaymentEvent, error) {
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("%w: webhook secret not configured", apperror.ErrVerification)
	}

	ts, sigs, err := ParseHeader(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperror.ErrVerification, err)
	}

	// compared in whole seconds; time.Duration saturates for far-off ts
	nowS := v.now().Unix()
	tolS := int64(v.tolerance / time.Second)
	if ts > nowS+tolS || ts < nowS-tolS {
		return nil, fmt.Errorf("%w: %v", apperror.ErrVerification, errStale)
	}

	expected := computeSignature(v.secret, ts, payload)
	matched := false
	for _, sig := range sigs {
		if hmac.Equal(expected, sig) {
			matched = true
		}
	}
	if !matched {
		return nil, fmt.Errorf("%w: %v", apperror.ErrVerification, errNoMatch)
	}

	var event model.PaymentEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", apperror.ErrVerification, errPayload)
	}
	if event.ID == "" {
		return nil, fmt.Errorf("%w: %v", apperror.ErrVerification, errMissingID)
	}

	return &event, nil
}

// ParseHeader splits a signature header into its timestamp and decoded v1
// signatures. Other schemes (v0, ...) are skipped.
func ParseHeader(header string) (int64, [][]byte, error) {
	var (
		ts    int64
		hasTS bool
		sigs  [][]byte
	)

	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, errMalformedHeader
			}
			ts, hasTS = n, true
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			sigs = append(sigs, sig)
		}
	}

	if !hasTS || len(sigs) == 0 {
		return 0, nil, errMalformedHeader
	}
	return ts, sigs, nil
}

// Sign produces a header value the Verifier accepts for payload at ts.
func Sign(secret string, ts time.Time, payload []byte) string {
	unix := ts.Unix()
	sig := computeSignature([]byte(secret), unix, payload)
	return fmt.Sprintf("t=%d,v1=%s", unix, hex.EncodeToString(sig))
}

func computeSignature(secret []byte, ts int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}
