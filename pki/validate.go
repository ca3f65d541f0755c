package pki

import (
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// maxValidityDays caps any requested validity at one hundred years.
const maxValidityDays = 36500

// GenerateCARequest describes a new root or intermediate CA. Zero KeyBits
// and ValidityDays take the profile defaults.
type GenerateCARequest struct {
	Name         string `json:"name"`
	KeyBits      int    `json:"key_bits,omitempty"`
	ValidityDays int    `json:"validity_days,omitempty"`
}

func (r GenerateCARequest) validate(alg KeyAlgorithm) error {
	err := validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.KeyBits, validation.When(r.KeyBits != 0, validation.In(allowedKeySizes[alg]...))),
		validation.Field(&r.ValidityDays, validation.Min(0), validation.Max(maxValidityDays)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func validateValidityDays(days int) error {
	err := validation.Validate(days, validation.Required, validation.Min(1), validation.Max(maxValidityDays))
	if err != nil {
		return fmt.Errorf("%w: validity_days: %v", ErrInvalidRequest, err)
	}
	return nil
}

// revocationReasons maps accepted reason names to RFC 5280 reason codes.
var revocationReasons = map[string]int{
	"unspecified":            0,
	"key_compromise":         1,
	"ca_compromise":          2,
	"affiliation_changed":    3,
	"superseded":             4,
	"cessation_of_operation": 5,
	"certificate_hold":       6,
	"privilege_withdrawn":    9,
}

// ReasonCode maps free-form revocation text to an RFC 5280 reason code.
// Unknown text maps to unspecified.
func ReasonCode(reason string) int {
	if code, ok := revocationReasons[normalizeReason(reason)]; ok {
		return code
	}
	return 0
}

var reasonReplacer = strings.NewReplacer(" ", "_", "-", "_")

func normalizeReason(reason string) string {
	return reasonReplacer.Replace(strings.ToLower(strings.TrimSpace(reason)))
}
