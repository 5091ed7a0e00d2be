package fetch

import (
	"mime"
	"regexp"
	"strings"

	"github.com/sells-group/webtools/internal/model"
)

// SufficiencyPolicy decides whether a static fetch result is usable or the
// orchestrator must fall back to rendered fetch. Thresholds are a policy
// choice with no single correct value, so they come from configuration.
type SufficiencyPolicy struct {
	// MinBodyBytes rejects bodies shorter than this many bytes.
	MinBodyBytes int
	// MinTextChars rejects HTML whose visible text is shorter than this.
	MinTextChars int
	// MaxScriptRatio rejects HTML where script markup dominates: more than
	// this fraction of the body inside <script> tags marks a client-rendered
	// shell.
	MaxScriptRatio float64
}

// DefaultSufficiencyPolicy returns the thresholds used when configuration
// leaves them unset.
func DefaultSufficiencyPolicy() SufficiencyPolicy {
	return SufficiencyPolicy{
		MinBodyBytes:   100,
		MinTextChars:   80,
		MaxScriptRatio: 0.6,
	}
}

var (
	scriptRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	tagRe    = regexp.MustCompile(`<[^>]+>`)
)

// challengeSignatures mark anti-bot interstitials that a browser can often
// pass but a static client cannot. Matched case-insensitively against small
// bodies only; a long article merely mentioning a captcha is fine.
var challengeSignatures = []string{
	"just a moment",
	"attention required! | cloudflare",
	"checking your browser",
	"cf-browser-verification",
	"security check",
	"please enable cookies",
	"enable javascript",
	"recaptcha",
	"hcaptcha",
}

// Evaluate reports whether the result is sufficient. An insufficient result
// is not an error: it drives the static-to-rendered fallback decision. The
// returned reason is empty for sufficient results.
func (p SufficiencyPolicy) Evaluate(res *model.FetchResult) (bool, string) {
	if res == nil || len(res.Body) == 0 {
		return false, "empty body"
	}
	if len(res.Body) < p.MinBodyBytes {
		return false, "body below minimum length"
	}

	if !isHTMLResult(res.ContentType) {
		// Non-HTML payloads (plain text, JSON) have no rendering step to
		// fall back to; length is the only check that applies.
		return true, ""
	}

	body := string(res.Body)
	lower := strings.ToLower(body)

	if len(body) < 4096 {
		for _, sig := range challengeSignatures {
			if strings.Contains(lower, sig) {
				return false, "anti-bot challenge page"
			}
		}
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return false, "javascript-only shell"
		}
		if strings.Contains(lower, `meta http-equiv="refresh"`) {
			return false, "meta refresh shell"
		}
	}

	scriptBytes := 0
	for _, m := range scriptRe.FindAllString(body, -1) {
		scriptBytes += len(m)
	}
	if ratio := float64(scriptBytes) / float64(len(body)); ratio > p.MaxScriptRatio {
		return false, "script-dominated shell"
	}

	stripped := scriptRe.ReplaceAllString(body, "")
	stripped = styleRe.ReplaceAllString(stripped, "")
	stripped = tagRe.ReplaceAllString(stripped, " ")
	visible := strings.Join(strings.Fields(stripped), " ")
	if len(visible) < p.MinTextChars {
		return false, "too little visible text"
	}

	return true, ""
}

func isHTMLResult(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return true // assume HTML when the header is junk
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}
