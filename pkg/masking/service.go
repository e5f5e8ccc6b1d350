package masking

import (
	"sort"
	"strings"
	"sync"

	"github.com/vespid/vespid/pkg/config"
)

// maskedValue replaces registered secret values wherever they appear.
const maskedValue = "__MASKED_SECRET__"

// minRegisteredLength guards against registering trivially short values
// whose replacement would mangle unrelated text.
const minRegisteredLength = 6

// Service is the process-wide event scrubber. Create once at startup, hand
// it to the events publisher as its Masker, and register dispatch secrets
// as they leave the core. Thread-safe.
type Service struct {
	enabled  bool
	maskers  []Masker
	patterns []*CompiledPattern

	mu     sync.RWMutex
	values []string // registered literal secrets, longest first
}

// New builds the scrubber from configuration: built-in token shapes, the
// structural Kubernetes Secret masker, and any custom expressions from
// config. Invalid custom expressions are logged and skipped.
func New(cfg *config.MaskingConfig) *Service {
	s := &Service{
		enabled:  cfg.IsEnabled(),
		maskers:  []Masker{&KubernetesSecretMasker{}},
		patterns: builtinPatterns(),
	}
	if cfg != nil {
		s.patterns = append(s.patterns, compileCustom(cfg.Patterns)...)
	}
	return s
}

// RegisterValue records a literal secret so it is scrubbed from every
// subsequent event. Dispatch paths call this with resolved connector
// secrets before the value leaves the core. Short values are ignored.
func (s *Service) RegisterValue(value string) {
	if len(value) < minRegisteredLength {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.values {
		if v == value {
			return
		}
	}
	s.values = append(s.values, value)
	// Longest first, so overlapping registrations mask the full value.
	sort.Slice(s.values, func(i, j int) bool { return len(s.values[i]) > len(s.values[j]) })
}

// MaskString scrubs one string: registered values, then structural maskers,
// then token-shape patterns.
func (s *Service) MaskString(text string) string {
	if !s.enabled || text == "" {
		return text
	}

	s.mu.RLock()
	for _, v := range s.values {
		text = strings.ReplaceAll(text, v, maskedValue)
	}
	s.mu.RUnlock()

	for _, m := range s.maskers {
		if m.AppliesTo(text) {
			text = m.Mask(text)
		}
	}
	for _, p := range s.patterns {
		text = p.Regex.ReplaceAllString(text, p.Replacement)
	}
	return text
}

// MaskMap scrubs every string reachable in the payload, returning a new map.
// The input is never mutated; event payloads may be shared with the caller.
func (s *Service) MaskMap(payload map[string]any) map[string]any {
	if !s.enabled || payload == nil {
		return payload
	}
	return s.maskMapValue(payload)
}

func (s *Service) maskMapValue(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = s.maskValue(v)
	}
	return out
}

func (s *Service) maskValue(v any) any {
	switch tv := v.(type) {
	case string:
		return s.MaskString(tv)
	case map[string]any:
		return s.maskMapValue(tv)
	case []any:
		out := make([]any, len(tv))
		for i, el := range tv {
			out[i] = s.maskValue(el)
		}
		return out
	default:
		return v
	}
}
