package guardrail

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"smsagent/internal/config"
)

const redactedMark = "[REDACTED]"

// --- PII stage ---

var (
	phonePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\+?1?[-.\s]?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`),
		regexp.MustCompile(`\+\d{1,3}[-.\s]?\d{4,14}`),
	}
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	urlPattern   = regexp.MustCompile(`https?://[^\s<>"]+|www\.[^\s<>"]+`)
	cardPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`),
		regexp.MustCompile(`\b\d{13,19}\b`),
	}
	ssnPattern = regexp.MustCompile(`\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`)
)

// piiStage redacts phone numbers, emails, URLs, card-shaped sequences, and
// SSN-shaped sequences. Redaction rather than veto: the surrounding text is
// usually still a fine reply.
type piiStage struct {
	checks []piiCheck
}

type piiCheck struct {
	kind     ViolationKind
	patterns []*regexp.Regexp
}

func newPIIStage(cfg config.GuardrailConfig, logger *slog.Logger) *piiStage {
	s := &piiStage{}
	if cfg.BlockPhoneNumbers {
		s.checks = append(s.checks, piiCheck{ViolationPhoneNumber, phonePatterns})
	}
	if cfg.BlockEmails {
		s.checks = append(s.checks, piiCheck{ViolationEmail, []*regexp.Regexp{emailPattern}})
	}
	if cfg.BlockURLs {
		s.checks = append(s.checks, piiCheck{ViolationURL, []*regexp.Regexp{urlPattern}})
	}
	if cfg.BlockCreditCards {
		s.checks = append(s.checks, piiCheck{ViolationCreditCard, cardPatterns})
	}
	if cfg.BlockSSNs {
		s.checks = append(s.checks, piiCheck{ViolationSSN, []*regexp.Regexp{ssnPattern}})
	}
	return s
}

func (s *piiStage) name() string { return "pii" }

func (s *piiStage) apply(text string) stageResult {
	res := stageResult{text: text}
	for _, check := range s.checks {
		hit := false
		for _, re := range check.patterns {
			if re.MatchString(res.text) {
				res.text = re.ReplaceAllString(res.text, redactedMark)
				hit = true
			}
		}
		if hit {
			res.violations = append(res.violations, check.kind)
		}
	}
	return res
}

// --- blocked-pattern stage ---

// blockedPatternStage vetoes candidates matching configured regexes
// (credential and banking keywords). A match is a hard block: there is no
// safe rewrite for "your password is hunter2".
type blockedPatternStage struct {
	patterns []*regexp.Regexp
}

func newBlockedPatternStage(raw []string, logger *slog.Logger) *blockedPatternStage {
	s := &blockedPatternStage{}
	for _, p := range raw {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			if logger != nil {
				logger.Warn("skipping invalid blocked pattern", "pattern", p, "err", err)
			}
			continue
		}
		s.patterns = append(s.patterns, re)
	}
	return s
}

func (s *blockedPatternStage) name() string { return "blocked_pattern" }

func (s *blockedPatternStage) apply(text string) stageResult {
	for _, re := range s.patterns {
		if re.MatchString(text) {
			return stageResult{
				text:       text,
				violations: []ViolationKind{ViolationBlockedPhrase},
				hardBlock:  true,
			}
		}
	}
	return stageResult{text: text}
}

// --- length stage ---

// lengthStage enforces the SMS character ceiling. Over-long candidates are
// truncated at a sentence boundary when one lands in the second half of the
// budget, else at a word boundary with an ellipsis, never dropped.
type lengthStage struct {
	max int
}

func newLengthStage(max int) *lengthStage {
	if max <= 0 {
		max = 300
	}
	return &lengthStage{max: max}
}

func (s *lengthStage) name() string { return "length" }

func (s *lengthStage) apply(text string) stageResult {
	if utf8.RuneCountInString(text) <= s.max {
		return stageResult{text: text}
	}
	return stageResult{
		text:       truncate(text, s.max),
		violations: []ViolationKind{ViolationLength},
	}
}

// truncate works in runes, not bytes: the ceiling is a character count and
// cutting mid-rune would emit broken UTF-8.
func truncate(text string, max int) string {
	runes := []rune(text)
	cut := runes[:max]

	if idx := lastSentenceEnd(cut); idx > max/2 {
		return strings.TrimSpace(string(cut[:idx+1]))
	}

	cut = runes[:max-3]
	if idx := lastIndexRune(cut, ' '); idx > max/2 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(string(cut)) + "..."
}

func lastSentenceEnd(s []rune) int {
	idx := -1
	for i, r := range s {
		switch r {
		case '.', '!', '?':
			idx = i
		}
	}
	return idx
}

func lastIndexRune(s []rune, r rune) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == r {
			return i
		}
	}
	return -1
}

// --- bot-phrase stage ---

// botPhraseStage strips sentences containing banned stock assistant
// phrases. When nothing survives the rewrite, the chain substitutes a
// fallback (the empty-output check lives in Chain.Apply).
type botPhraseStage struct {
	phrases []string
}

func newBotPhraseStage(phrases []string) *botPhraseStage {
	return &botPhraseStage{phrases: phrases}
}

func (s *botPhraseStage) name() string { return "bot_phrase" }

func (s *botPhraseStage) apply(text string) stageResult {
	lower := strings.ToLower(text)
	hit := false
	for _, p := range s.phrases {
		if strings.Contains(lower, strings.ToLower(p)) {
			hit = true
			break
		}
	}
	if !hit {
		return stageResult{text: text}
	}

	var kept []string
	for _, sentence := range splitSentences(text) {
		ls := strings.ToLower(sentence)
		banned := false
		for _, p := range s.phrases {
			if strings.Contains(ls, strings.ToLower(p)) {
				banned = true
				break
			}
		}
		if !banned {
			kept = append(kept, sentence)
		}
	}

	return stageResult{
		text:       strings.TrimSpace(strings.Join(kept, " ")),
		violations: []ViolationKind{ViolationBotPhrase},
	}
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		switch r {
		case '.', '!', '?':
			out = append(out, strings.TrimSpace(text[start:i+1]))
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}
