// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package configcipher implements §4.7: transparent authenticated
// encryption of classified (key, value) pairs written to the config
// store, with a session-scoped KDF-derived key, secure delete, and a
// one-shot plaintext-to-encrypted migration. Grounded on the teacher's
// crypto package conventions (deterministic, explicit Key types) and
// the versioned-record pattern in codec/codec.go.
package configcipher

import "regexp"

// Classifier decides whether a (key, value) pair is sensitive and
// therefore eligible for transparent encryption.
type Classifier interface {
	IsSensitive(key, value string) bool
}

// sensitiveKeyPatterns match key names carrying credentials, API
// tokens, or chat history, per §4.7.
var sensitiveKeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)api[_-]?key`),
	regexp.MustCompile(`(?i)token`),
	regexp.MustCompile(`(?i)secret`),
	regexp.MustCompile(`(?i)password`),
	regexp.MustCompile(`(?i)credential`),
	regexp.MustCompile(`(?i)chat[_-]?history`),
	regexp.MustCompile(`(?i)session[_-]?cookie`),
}

// sensitiveValuePatterns match provider-specific token shapes
// regardless of the key they were written under.
var sensitiveValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^sk-[A-Za-z0-9_-]{10,}$`),         // OpenAI-style
	regexp.MustCompile(`^sk-or-v1-[A-Za-z0-9]{10,}$`),     // OpenRouter
	regexp.MustCompile(`^ghp_[A-Za-z0-9]{20,}$`),          // GitHub PAT
	regexp.MustCompile(`^eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+$`), // JWT
	regexp.MustCompile(`^Bearer\s+\S+$`),
}

// defaultClassifier implements the §4.7 classification rule.
type defaultClassifier struct{}

// NewDefaultClassifier returns the provisioned classifier covering
// the key and value patterns named in §4.7.
func NewDefaultClassifier() Classifier { return defaultClassifier{} }

func (defaultClassifier) IsSensitive(key, value string) bool {
	for _, p := range sensitiveKeyPatterns {
		if p.MatchString(key) {
			return true
		}
	}
	for _, p := range sensitiveValuePatterns {
		if p.MatchString(value) {
			return true
		}
	}
	return false
}
