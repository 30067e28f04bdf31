// Package redact masks substrings resembling credentials, secrets,
// tokens, and keys in captured command output before it leaves the
// execution sandbox.
package redact

import (
	"regexp"
	"sort"
	"strings"
)

// PatternType identifies the category of sensitive data.
type PatternType string

const (
	PatternCred       PatternType = "CRED"
	PatternToken      PatternType = "TOKEN"
	PatternAWSKey     PatternType = "AWS_KEY"
	PatternPrivateKey PatternType = "PRIVATE_KEY"
	PatternJWT        PatternType = "JWT"
)

// Match is a single occurrence of sensitive data in text.
type Match struct {
	Type  PatternType
	Value string
	Start int
	End   int
}

// Compiled patterns for secret detection.
var (
	// key=value / key: value pairs where the key suggests a secret.
	credKVRe = regexp.MustCompile(`(?i)((?:password|passwd|secret|token|api_key|apikey|auth|credential|private_key)[ \t]*[=:][ \t]*\S+)`)

	// Bearer tokens and long opaque token literals.
	bearerRe = regexp.MustCompile(`(?i)\b(bearer[ \t]+[A-Za-z0-9._~+/-]+=*)`)

	// Provider-style key literals: AWS access keys, "sk-..." API keys,
	// GitHub tokens.
	awsKeyRe      = regexp.MustCompile(`\b(AKIA[0-9A-Z]{16})\b`)
	skKeyRe       = regexp.MustCompile(`\b(sk-[A-Za-z0-9]{20,})\b`)
	githubTokenRe = regexp.MustCompile(`\b((?:ghp|gho|ghs|ghr)_[A-Za-z0-9]{36,})\b`)

	// PEM private key blocks, including the body.
	privateKeyRe = regexp.MustCompile(`(?s)(-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----)`)

	// JWTs: three dot-separated base64url segments, header starts "eyJ".
	jwtRe = regexp.MustCompile(`\b(eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+)\b`)
)

// Scan finds all secret-like spans in text, deduplicated and sorted by
// position (earliest first).
func Scan(text string) []Match {
	seen := make(map[string]bool)
	var matches []Match

	add := func(typ PatternType, value string, start int) {
		value = strings.TrimRight(value, ".,;:\"'`)}]")
		if value == "" || seen[value] {
			return
		}
		seen[value] = true
		matches = append(matches, Match{Type: typ, Value: value, Start: start, End: start + len(value)})
	}

	scan := func(re *regexp.Regexp, typ PatternType) {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			add(typ, text[loc[0]:loc[1]], loc[0])
		}
	}

	scan(privateKeyRe, PatternPrivateKey)
	scan(credKVRe, PatternCred)
	scan(bearerRe, PatternToken)
	scan(awsKeyRe, PatternAWSKey)
	scan(skKeyRe, PatternToken)
	scan(githubTokenRe, PatternToken)
	scan(jwtRe, PatternJWT)

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Start < matches[j].Start
	})

	return matches
}
