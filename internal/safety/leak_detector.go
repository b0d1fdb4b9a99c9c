package safety

import "regexp"

// LeakWarning names the secret shape found in outbound text, with a
// short loggable sample.
type LeakWarning struct {
	Pattern string
	Sample  string
}

type leakRule struct {
	re   *regexp.Regexp
	desc string
}

var leakRules = []leakRule{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), "API key"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "Bearer token"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "Google API key"},
	{regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), "OpenAI API key"},
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`), "private key"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`), "password"},
}

// LeakDetector finds credential-shaped strings in text about to leave
// the process, such as outcome summaries sent to a chat channel.
type LeakDetector struct{}

func NewLeakDetector() *LeakDetector { return &LeakDetector{} }

// Redact replaces each detected secret with a placeholder naming its
// shape.
func (d *LeakDetector) Redact(text string) string {
	if text == "" {
		return text
	}
	for _, rule := range leakRules {
		text = rule.re.ReplaceAllString(text, "[redacted "+rule.desc+"]")
	}
	return text
}

// Scan reports detected secrets without modifying the input. At most
// three matches per rule are reported.
func (d *LeakDetector) Scan(text string) []LeakWarning {
	if text == "" {
		return nil
	}
	var found []LeakWarning
	for _, rule := range leakRules {
		for _, match := range rule.re.FindAllString(text, 3) {
			sample := match
			if len(sample) > 20 {
				sample = sample[:17] + "..."
			}
			found = append(found, LeakWarning{Pattern: rule.desc, Sample: sample})
		}
	}
	return found
}
