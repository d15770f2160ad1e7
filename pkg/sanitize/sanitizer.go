// Package sanitize redacts sensitive content from log record context
// trees before they enter the pipeline. It handles plain values under
// sensitive keys, PII patterns inside strings, and secrets hidden behind
// base64/url/hex encodings, while guarding against cycles and
// pathologically deep structures.
//
// Sanitization is pure with respect to its input: the returned tree
// shares no mutable state with the argument, and sanitizing an already
// sanitized tree is a no-op.
package sanitize

import (
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"reflect"
	"regexp"
	"strings"
	"time"
)

// Replacement sentinels. They are chosen so that re-sanitizing them is
// stable: none of them match a PII pattern or decode as an encoding.
const (
	Redacted       = "[REDACTED]"
	Circular       = "[CIRCULAR]"
	MaxDepthMark   = "[MAX_DEPTH]"
	Unserializable = "[UNSERIALIZABLE]"

	emailMask = "[EMAIL_REDACTED]"
	ipMask    = "[IP_REDACTED]"
	phoneMask = "[PHONE_REDACTED]"
)

// maxDepth bounds context traversal; subtrees below it are cut.
const maxDepth = 10

// minEncodedLen is the shortest string considered as a candidate for
// encoded-secret detection; shorter strings are too noisy to decode.
const minEncodedLen = 8

// sensitiveKeySubstrings are matched case-insensitively against context
// keys. A match redacts the whole value regardless of its type.
var sensitiveKeySubstrings = []string{
	"password", "passwd", "pass", "secret", "token", "apikey", "api_key",
	"auth", "credential", "bearer", "session", "access_token",
	"refresh_token", "private_key", "ssh_key", "passphrase", "hash",
	"key", "authorization", "oauth", "jwt",
}

// Config configures PII masking and extra key matching.
type Config struct {
	MaskEmails         bool     `yaml:"mask_emails"`
	MaskIPs            bool     `yaml:"mask_ips"`
	MaskPhones         bool     `yaml:"mask_phones"`
	ExtraSensitiveKeys []string `yaml:"extra_sensitive_keys"`
}

// DefaultConfig returns the secure defaults: all PII masking on.
func DefaultConfig() Config {
	return Config{
		MaskEmails: true,
		MaskIPs:    true,
		MaskPhones: true,
	}
}

// Sanitizer detects and redacts sensitive data in context trees.
type Sanitizer struct {
	config   Config
	keywords []string

	emailRe *regexp.Regexp
	ipv4Re  *regexp.Regexp
	phoneRe *regexp.Regexp

	base64Re *regexp.Regexp
	hexRe    *regexp.Regexp
}

// New creates a Sanitizer with the given configuration.
func New(config Config) *Sanitizer {
	keywords := make([]string, 0, len(sensitiveKeySubstrings)+len(config.ExtraSensitiveKeys))
	keywords = append(keywords, sensitiveKeySubstrings...)
	for _, k := range config.ExtraSensitiveKeys {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			keywords = append(keywords, k)
		}
	}

	return &Sanitizer{
		config:   config,
		keywords: keywords,
		emailRe:  regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		ipv4Re:   regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
		phoneRe:  regexp.MustCompile(`\b(?:\+?\d{1,2}[-.\s])?(?:\(\d{3}\)|\d{3})[-.\s]\d{3}[-.\s]\d{4}\b`),
		base64Re: regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`),
		hexRe:    regexp.MustCompile(`^[0-9a-fA-F]+$`),
	}
}

// SanitizeContext returns a redacted deep copy of the context tree.
// It never fails; values it cannot represent become sentinels.
func (s *Sanitizer) SanitizeContext(context map[string]interface{}) map[string]interface{} {
	if context == nil {
		return nil
	}
	visiting := make(map[uintptr]struct{})
	out := make(map[string]interface{}, len(context))
	for k, v := range context {
		if s.isSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = s.sanitizeValue(v, 1, visiting)
	}
	return out
}

// SanitizeString applies encoded-secret detection and PII masking to a
// standalone string (used for record messages).
func (s *Sanitizer) SanitizeString(value string) string {
	return s.sanitizeString(value)
}

func (s *Sanitizer) isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range s.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// sanitizeValue walks one value. visiting holds the identities of maps
// and slices currently on the traversal path; a repeat is a cycle.
func (s *Sanitizer) sanitizeValue(value interface{}, depth int, visiting map[uintptr]struct{}) interface{} {
	if value == nil {
		return nil
	}
	if depth > maxDepth {
		return MaxDepthMark
	}

	switch v := value.(type) {
	case string:
		return s.sanitizeString(v)
	case bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v
	case time.Time:
		return v
	case []byte:
		cp := make([]byte, len(v))
		copy(cp, v)
		return cp
	case map[string]interface{}:
		return s.sanitizeMap(v, depth, visiting)
	case map[string]string:
		out := make(map[string]interface{}, len(v))
		for k, sv := range v {
			if s.isSensitiveKey(k) {
				out[k] = Redacted
			} else {
				out[k] = s.sanitizeString(sv)
			}
		}
		return out
	case []interface{}:
		return s.sanitizeSlice(v, depth, visiting)
	}

	// Everything else goes through reflection so that typed maps,
	// slices and pointers still traverse, and opaque handles
	// (func, chan, struct) collapse to a sentinel.
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return s.sanitizeValue(rv.Elem().Interface(), depth, visiting)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Unserializable
		}
		id := rv.Pointer()
		if _, seen := visiting[id]; seen {
			return Circular
		}
		visiting[id] = struct{}{}
		defer delete(visiting, id)

		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			if s.isSensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = s.sanitizeValue(iter.Value().Interface(), depth+1, visiting)
		}
		return out
	case reflect.Slice, reflect.Array:
		length := rv.Len()
		if rv.Kind() == reflect.Slice && length > 0 {
			id := rv.Pointer()
			if _, seen := visiting[id]; seen {
				return Circular
			}
			visiting[id] = struct{}{}
			defer delete(visiting, id)
		}
		out := make([]interface{}, length)
		for i := 0; i < length; i++ {
			out[i] = s.sanitizeValue(rv.Index(i).Interface(), depth+1, visiting)
		}
		return out
	default:
		return Unserializable
	}
}

func (s *Sanitizer) sanitizeMap(m map[string]interface{}, depth int, visiting map[uintptr]struct{}) interface{} {
	id := reflect.ValueOf(m).Pointer()
	if _, seen := visiting[id]; seen {
		return Circular
	}
	visiting[id] = struct{}{}
	defer delete(visiting, id)

	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if s.isSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = s.sanitizeValue(v, depth+1, visiting)
	}
	return out
}

func (s *Sanitizer) sanitizeSlice(sl []interface{}, depth int, visiting map[uintptr]struct{}) interface{} {
	if len(sl) > 0 {
		id := reflect.ValueOf(sl).Pointer()
		if _, seen := visiting[id]; seen {
			return Circular
		}
		visiting[id] = struct{}{}
		defer delete(visiting, id)
	}
	out := make([]interface{}, len(sl))
	for i, v := range sl {
		out[i] = s.sanitizeValue(v, depth+1, visiting)
	}
	return out
}

func (s *Sanitizer) sanitizeString(value string) string {
	if encoding, ok := s.detectEncodedSecret(value); ok {
		return "[ENCODED_SENSITIVE_DATA:" + encoding + "]"
	}
	return s.maskPII(value)
}

// detectEncodedSecret checks base64, url and hex encodings in that
// order. URL decoding must actually transform the value; otherwise any
// plain string mentioning the word "token" would be destroyed.
func (s *Sanitizer) detectEncodedSecret(value string) (string, bool) {
	if len(value) >= minEncodedLen && len(value)%4 == 0 && s.base64Re.MatchString(value) {
		if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
			if s.containsKeyword(string(decoded)) {
				return "base64", true
			}
		}
	}

	if strings.Contains(value, "%") {
		if decoded, err := url.QueryUnescape(value); err == nil && decoded != value {
			if s.containsKeyword(decoded) {
				return "url", true
			}
		}
	}

	if len(value) >= minEncodedLen && len(value)%2 == 0 && s.hexRe.MatchString(value) {
		if decoded, err := hex.DecodeString(value); err == nil {
			if s.containsKeyword(string(decoded)) {
				return "hex", true
			}
		}
	}

	return "", false
}

func (s *Sanitizer) containsKeyword(value string) bool {
	lower := strings.ToLower(value)
	for _, kw := range s.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (s *Sanitizer) maskPII(value string) string {
	result := value
	if s.config.MaskEmails {
		result = s.emailRe.ReplaceAllString(result, emailMask)
	}
	if s.config.MaskIPs {
		result = s.ipv4Re.ReplaceAllString(result, ipMask)
	}
	if s.config.MaskPhones {
		result = s.phoneRe.ReplaceAllString(result, phoneMask)
	}
	return result
}
