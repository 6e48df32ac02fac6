package guard

import (
	"regexp"
	"strings"

	"conclave/internal/domain"
)

// Guard evaluates a proposed action against the constitution before it is
// allowed to run. Validate is pure and total: it never mutates state and
// never fails for well-formed input.
type Guard struct {
	redLines   []redLine
	configRole string
}

type redLine struct {
	pattern *regexp.Regexp
	reason  string
	clause  string
}

// Red-line patterns are evaluated in order; the first match wins.
var defaultRedLines = []redLine{
	{
		pattern: regexp.MustCompile(`(?i)\brm\s+(-[a-z]+\s+)*-(r[a-z]*f|f[a-z]*r)[a-z]*\b|\brm\s+(-[a-z]+\s+)*--(recursive|force)\b`),
		reason:  "recursive forced deletion is irreversible",
		clause:  "III.1 destructive filesystem operations",
	},
	{
		pattern: regexp.MustCompile(`(?i)\b(mkfs|fdisk|wipefs)\b|\bdd\s+[^|;]*of=/dev/`),
		reason:  "raw device writes destroy data outside any workspace",
		clause:  "III.1 destructive filesystem operations",
	},
	{
		pattern: regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]*\s+)*(777|a\+rwx)\b`),
		reason:  "world-writable permissions are insecure",
		clause:  "III.2 insecure permission changes",
	},
	{
		pattern: regexp.MustCompile(`(?i)\b(curl|wget)\b[^|;]*\|\s*(sudo\s+)?(ba)?sh\b`),
		reason:  "piping remote content into a shell executes unreviewed code",
		clause:  "III.3 unauthorized network egress",
	},
	{
		pattern: regexp.MustCompile(`(?i)\b(nc|ncat|netcat)\s+(-[a-z]*\s+)*\S+\s+\d+`),
		reason:  "raw socket egress bypasses the approved transports",
		clause:  "III.3 unauthorized network egress",
	},
	{
		pattern: regexp.MustCompile(`(?i)/etc/shadow|\bprintenv\b.*\b(KEY|TOKEN|SECRET)\b|\b(cat|grep)\b.*\.(aws/credentials|netrc|ssh/id_)`),
		reason:  "reading credential material exfiltrates secrets",
		clause:  "III.4 secret exfiltration",
	},
	{
		pattern: regexp.MustCompile(`(?i)\benv\b\s*\|\s*(curl|wget|nc)\b`),
		reason:  "shipping the environment off-host exfiltrates secrets",
		clause:  "III.4 secret exfiltration",
	},
}

var (
	configActionPattern = regexp.MustCompile(`(?i)\b(kubectl\s+apply|systemctl\s+(start|stop|restart|enable|disable)|terraform\s+apply|\bsed\b.*/etc/|\bedit(ing)?\s+config)`)
	costActionPattern   = regexp.MustCompile(`(?i)\b(deploy|provision|scale\s+up|spin\s+up|launch\s+instance)\b`)
	budgetSignalPattern = regexp.MustCompile(`(?i)budget\s+(exhausted|exceeded)|quota\s+(exhausted|exceeded)|no\s+remaining\s+budget`)
)

// RoleOperator is the only role permitted to run configuration-mutating
// actions.
const RoleOperator = "operator"

func New() *Guard {
	return &Guard{
		redLines:   defaultRedLines,
		configRole: RoleOperator,
	}
}

// Validate applies the constitution to an action. Rule order: red-line
// patterns, then role boundaries, then the resource heuristic; first match
// wins.
func (g *Guard) Validate(action, role, context string) domain.ValidationResult {
	trimmed := strings.TrimSpace(action)
	if trimmed == "" {
		return domain.ValidationResult{
			Valid:  false,
			Reason: "empty action",
			Clause: "II.1 actions must be explicit",
		}
	}

	for _, line := range g.redLines {
		if line.pattern.MatchString(trimmed) {
			return domain.ValidationResult{
				Valid:  false,
				Reason: line.reason,
				Clause: line.clause,
			}
		}
	}

	if configActionPattern.MatchString(trimmed) && role != g.configRole {
		return domain.ValidationResult{
			Valid:  false,
			Reason: "configuration changes require the " + g.configRole + " role, got " + role,
			Clause: "IV.2 role boundaries",
		}
	}

	if costActionPattern.MatchString(trimmed) && budgetSignalPattern.MatchString(context) {
		return domain.ValidationResult{
			Valid:  false,
			Reason: "cost-incurring action while budget is exhausted",
			Clause: "V.1 resource stewardship",
		}
	}

	return domain.ValidationResult{Valid: true}
}
