package model

import (
	"strings"

	"github.com/google/uuid"
)

// ID prefixes per record kind.
const (
	PrefixRawDocument = "raw"
	PrefixStaging     = "stg"
	PrefixEntity      = "ent"
	PrefixAlias       = "alias"
	PrefixReview      = "reconq"
	PrefixCanonical   = "ct"
	PrefixFeature     = "feat"
	PrefixSignal      = "sig"
	PrefixPrediction  = "pred"
)

// NewID returns prefix_ followed by 20 hex characters of a random UUID.
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}
