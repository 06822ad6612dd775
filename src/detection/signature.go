package detection

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidSignature is returned for malformed signature definitions.
var ErrInvalidSignature = errors.New("invalid signature")

// ErrDuplicateSignature is returned when a signature id is already in use.
// It wraps ErrInvalidSignature.
var ErrDuplicateSignature = fmt.Errorf("%w: duplicate id", ErrInvalidSignature)

// Language tags a signature with the language it is written in.
// LangAny on a signature means language-neutral; as a hint it means
// "evaluate every language".
type Language string

const (
	LangAny Language = ""
	LangEN  Language = "en"
	LangRU  Language = "ru"
)

// ParseLanguage accepts "", "auto", "en" and "ru" in any case.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto", "any":
		return LangAny, nil
	case "en":
		return LangEN, nil
	case "ru":
		return LangRU, nil
	default:
		return LangAny, fmt.Errorf("unknown language %q", s)
	}
}

// Category groups signatures by attack family.
type Category string

const (
	CategoryInstructionOverride Category = "instruction_override"
	CategoryPromptExtraction    Category = "prompt_extraction"
	CategoryRoleManipulation    Category = "role_manipulation"
	CategoryExfiltration        Category = "data_exfiltration"
	CategoryJailbreak           Category = "jailbreak"
	CategoryEncoding            Category = "encoding_attack"
	CategoryHeuristic           Category = "heuristic"
)

// Severity orders signatures; the classifier blocks at or above a
// configured severity.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return "unknown"
	}
	return severityNames[s]
}

// ParseSeverity parses a severity name.
func ParseSeverity(s string) (Severity, error) {
	for i, name := range severityNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return Severity(i), nil
		}
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Signature is a named detection rule. It is immutable once built by
// NewSignature.
type Signature struct {
	ID       string
	Lang     Language
	Pattern  string
	Category Category
	Severity Severity

	re *regexp.Regexp
}

// NewSignature compiles pattern case-insensitively.
func NewSignature(id string, lang Language, pattern string, category Category, severity Severity) (Signature, error) {
	if strings.TrimSpace(id) == "" {
		return Signature{}, fmt.Errorf("%w: id is required", ErrInvalidSignature)
	}
	if strings.TrimSpace(pattern) == "" {
		return Signature{}, fmt.Errorf("%w: %s: pattern is required", ErrInvalidSignature, id)
	}
	if category == "" {
		return Signature{}, fmt.Errorf("%w: %s: category is required", ErrInvalidSignature, id)
	}
	if severity < SeverityLow || severity > SeverityCritical {
		return Signature{}, fmt.Errorf("%w: %s: severity out of range", ErrInvalidSignature, id)
	}

	src := pattern
	if !strings.HasPrefix(src, "(?i)") {
		src = "(?i)" + src
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %s: compiling %q: %v", ErrInvalidSignature, id, pattern, err)
	}

	return Signature{
		ID:       id,
		Lang:     lang,
		Pattern:  pattern,
		Category: category,
		Severity: severity,
		re:       re,
	}, nil
}

// appliesTo reports whether the signature is evaluated under the hint.
func (s Signature) appliesTo(hint Language) bool {
	return hint == LangAny || s.Lang == LangAny || s.Lang == hint
}

// Match is one signature firing on a text.
type Match struct {
	SignatureID string   `json:"signature_id"`
	Lang        Language `json:"lang,omitempty"`
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`
}

type signatureDef struct {
	id       string
	lang     Language
	pattern  string
	category Category
	severity Severity
}

// builtInSignatures are matched against normalized (lower-case, single
// spaced) text.
var builtInSignatures = []signatureDef{
	// Instruction override.
	{"ignore_previous", LangEN, `ign[o0]re\s+(all\s+)?(the\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|context)`, CategoryInstructionOverride, SeverityHigh},
	{"forget_instructions", LangEN, `forget\s+(all\s+)?(your\s+)?(instructions?|prompts?|rules?|training|guidelines)`, CategoryInstructionOverride, SeverityHigh},
	{"forget_everything", LangEN, `forget\s+everything`, CategoryInstructionOverride, SeverityHigh},
	{"disregard_previous", LangEN, `disregard\s+(all\s+)?(the\s+)?(previous|prior|above|your)\s+`, CategoryInstructionOverride, SeverityHigh},
	{"override_system", LangEN, `override\s+(your\s+)?(system|instructions?|rules?)`, CategoryInstructionOverride, SeverityHigh},
	{"new_instructions", LangEN, `new\s+instructions?\s*:`, CategoryInstructionOverride, SeverityHigh},
	{"from_now_on", LangEN, `from\s+now\s+on,?\s+you\s+(are|will|must|should)`, CategoryInstructionOverride, SeverityHigh},
	{"important_ignore", LangEN, `(important|critical)\s*:\s*(ignore|override)`, CategoryInstructionOverride, SeverityHigh},
	{"chat_template_im", LangAny, `<\|?im_(start|end)\|?>`, CategoryInstructionOverride, SeverityHigh},
	{"chat_template_system", LangAny, `<\|?system\|?>`, CategoryInstructionOverride, SeverityHigh},
	{"chat_template_inst", LangAny, `\[/?inst\]`, CategoryInstructionOverride, SeverityHigh},
	{"chat_template_sys", LangAny, `<</?\s*sys>>`, CategoryInstructionOverride, SeverityHigh},
	{"markdown_system_header", LangAny, `###\s*(system|instructions?|rules)\b`, CategoryInstructionOverride, SeverityMedium},

	// System prompt extraction.
	{"show_system_prompt", LangEN, `(show|display|print|reveal|output|repeat)\s+(me\s+)?(your\s+|the\s+)?(system\s+prompt|instructions?|rules|config)`, CategoryPromptExtraction, SeverityHigh},
	{"what_is_your_prompt", LangEN, `what\s+(are|is)\s+your\s+(system\s+prompt|instructions?|rules|initial\s+prompt)`, CategoryPromptExtraction, SeverityHigh},
	{"dump_system_prompt", LangEN, `(copy|paste|dump)\s+(your\s+)?(system|initial)\s+(prompt|message|instructions?)`, CategoryPromptExtraction, SeverityHigh},

	// Role manipulation.
	{"you_are_now", LangEN, `you\s+are\s+now\s+(a|an|the)\s+`, CategoryRoleManipulation, SeverityHigh},
	{"act_as_privileged", LangEN, `act\s+as\s+(if\s+you\s+are\s+)?(a|an|the)?\s*(hacker|admin|root|developer|system)`, CategoryRoleManipulation, SeverityHigh},
	{"pretend_to_be", LangEN, `pretend\s+(you\s+are|to\s+be)\s+`, CategoryRoleManipulation, SeverityHigh},
	{"switch_mode", LangEN, `switch\s+to\s+(developer|admin|debug|god)\s+mode`, CategoryRoleManipulation, SeverityHigh},
	{"enable_mode", LangEN, `enable\s+(developer|admin|debug|sudo|root)\s+mode`, CategoryRoleManipulation, SeverityHigh},
	{"enter_mode", LangEN, `enter\s+(dan|developer|jailbreak)\s+mode`, CategoryRoleManipulation, SeverityHigh},
	{"new_persona", LangEN, `your\s+(new\s+)?(role|persona|identity)\s+(is|:)`, CategoryRoleManipulation, SeverityHigh},

	// Data exfiltration.
	{"give_api_key", LangEN, `(show|give|tell|send)\s+(me\s+)?(the\s+|your\s+)?(api|secret)\s*key`, CategoryExfiltration, SeverityHigh},
	{"give_password", LangEN, `(show|give|tell|send)\s+(me\s+)?(the\s+|your\s+)?password`, CategoryExfiltration, SeverityHigh},
	{"other_user_data", LangEN, `(show|give|tell|send)\s+(me\s+)?(the\s+)?(previous|other)\s+(user|client|customer)`, CategoryExfiltration, SeverityHigh},
	{"what_credentials", LangEN, `(what|show)\s+(is|are)\s+(the\s+)?credentials?`, CategoryExfiltration, SeverityHigh},
	{"dump_env", LangEN, `(list|show|dump)\s+(all\s+)?(env|environment)\s+variables?`, CategoryExfiltration, SeverityHigh},
	{"exfil_url", LangAny, `https?://\S*[?&](secret|token|key|password|api_key|credential|auth|session_id|private_key)=`, CategoryExfiltration, SeverityMedium},

	// Jailbreak.
	{"do_anything_now", LangEN, `do\s+anything\s+now`, CategoryJailbreak, SeverityHigh},
	{"jailbreak_word", LangEN, `\bjailbre[a4]k`, CategoryJailbreak, SeverityMedium},

	// Encoding tricks.
	{"base64_decode", LangAny, `base64\s*decode`, CategoryEncoding, SeverityHigh},
	{"hex_escape", LangAny, `\\x[0-9a-f]{2}`, CategoryEncoding, SeverityMedium},
	{"html_entity", LangAny, `&#\d+;`, CategoryEncoding, SeverityMedium},
	{"dangerous_scheme", LangAny, `(javascript\s*:|data\s*:\s*text/html)`, CategoryEncoding, SeverityMedium},

	// Russian.
	{"ru_forget_instructions", LangRU, `забудь\s+(все\s+)?(инструкции|правила|промпт)`, CategoryInstructionOverride, SeverityHigh},
	{"ru_ignore_instructions", LangRU, `игнорируй\s+(все\s+)?(предыдущие\s+)?(инструкции|правила)`, CategoryInstructionOverride, SeverityHigh},
	{"ru_show_prompt", LangRU, `покажи\s+(мне\s+)?(свой\s+|свои\s+)?(системный\s+промпт|инструкции|правила)`, CategoryPromptExtraction, SeverityHigh},
	{"ru_you_are_now", LangRU, `ты\s+теперь\s+`, CategoryRoleManipulation, SeverityHigh},
	{"ru_give_key", LangRU, `(покажи|дай|выдай)\s+(мне\s+)?(api|секретный)\s*ключ`, CategoryExfiltration, SeverityHigh},
}

// BuiltInSignatures compiles the built-in signature set.
func BuiltInSignatures() []Signature {
	out := make([]Signature, 0, len(builtInSignatures))
	for _, d := range builtInSignatures {
		sig, err := NewSignature(d.id, d.lang, d.pattern, d.category, d.severity)
		if err != nil {
			panic(fmt.Sprintf("built-in signature: %v", err))
		}
		out = append(out, sig)
	}
	return out
}
