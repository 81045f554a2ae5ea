package server

import (
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/ojpio/ojp-go/config"
)

// SQLValidator is an optional pre-execution policy gate (SPEC_FULL.md §5):
// command whitelist/blacklist enforcement, injection-pattern detection, and
// structural checks run before a statement is admitted and executed.
// Grounded on the teacher's SQLValidator (server/sql_validator.go); sourced
// here from the server's ServerConfig rather than a standalone config
// struct, and ValidateQuery takes the RPCRequest it is gating so violation
// logs carry the connHash and session they came from.
type SQLValidator struct {
	enabled        bool
	strictMode     bool
	maxQueryLength int
	logViolations  bool

	allowedCommands []string
	blockedCommands []string
	allowDDL        bool
	allowDML        bool
	allowDQL        bool
	allowProcedures bool

	injectionRegexes []*regexp.Regexp

	stats validationStats
}

type validationStats struct {
	totalQueries        atomic.Int64
	validQueries        atomic.Int64
	blockedQueries      atomic.Int64
	injectionAttempts   atomic.Int64
	commandViolations   atomic.Int64
	structureViolations atomic.Int64
}

// ValidationStats is a point-in-time snapshot of validationStats for
// diagnostics.
type ValidationStats struct {
	TotalQueries        int64
	ValidQueries        int64
	BlockedQueries      int64
	InjectionAttempts   int64
	CommandViolations   int64
	StructureViolations int64
}

// ValidationResult is the outcome of validating one statement.
type ValidationResult struct {
	Valid           bool
	Errors          []string
	Warnings        []string
	NormalizedQuery string
	DetectedCommand string
	Risk            RiskLevel
}

// RiskLevel is the assessed security risk of a statement.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// NewSQLValidator builds a validator from the server's sqlValidation.* config
// knobs. The allowed/blocked command lists and DML/DQL/DDL category flags
// keep the teacher's secure-by-default policy (DDL and stored procedures off,
// DML/DQL on) since SPEC_FULL.md doesn't redefine them.
func NewSQLValidator(cfg *config.ServerConfig) *SQLValidator {
	v := &SQLValidator{
		enabled:         cfg.SQLValidationEnabled,
		strictMode:      cfg.SQLValidationStrictMode,
		maxQueryLength:  cfg.SQLValidationMaxQueryLength,
		logViolations:   true,
		allowedCommands: []string{"SELECT", "INSERT", "UPDATE", "DELETE"},
		blockedCommands: []string{"DROP", "TRUNCATE", "ALTER", "CREATE USER", "GRANT", "REVOKE"},
		allowDDL:        false,
		allowDML:        true,
		allowDQL:        true,
		allowProcedures: false,
	}
	if v.maxQueryLength <= 0 {
		v.maxQueryLength = 10000
	}
	v.injectionRegexes = compileInjectionPatterns()
	log.Printf("[server] SQL validator initialized: enabled=%v strict=%v", v.enabled, v.strictMode)
	return v
}

// compileInjectionPatterns compiles the teacher's injection-detection regex
// set unchanged; these patterns are not policy, just signature matching.
func compileInjectionPatterns() []*regexp.Regexp {
	patterns := []string{
		`(?i)\bunion\s+(?:all\s+)?select\b`,
		`(?i)(/\*.*?\*/|--.*?$|#.*?$)`,
		`(?i)\b(and|or)\s+\d+\s*[=<>]\s*\d+\b`,
		`(?i)\b(and|or)\s+['"][^'"]*['"]\s*[=<>]\s*['"][^'"]*['"]`,
		`(?i)\b(sleep|benchmark|pg_sleep|waitfor\s+delay)\s*\(`,
		`(?i);\s*(select|insert|update|delete|drop|create|alter)\b`,
		`(?i)\b(load_file|into\s+outfile|into\s+dumpfile)\b`,
		`(?i)\b(exec|execute|sp_executesql)\s*\(`,
		`(?i)\binformation_schema\b`,
		`(?i)\bmysql\.user\b`,
		`(?i)\bsys\.databases\b`,
		`(?i)\b(0x[0-9a-f]+|char\s*\(\s*\d+\s*\))\b`,
		`(?i)\bcase\s+when\b.*?\bthen\b`,
		`(?i)\bif\s*\(\s*[^)]*[=<>][^)]*\s*,`,
	}
	regexes := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err != nil {
			log.Printf("[server] failed to compile injection pattern %q: %v", p, err)
		} else {
			regexes = append(regexes, re)
		}
	}
	return regexes
}

// ValidateQuery validates req's statement against the configured policy,
// logging violations with req's connHash and session for traceability.
func (v *SQLValidator) ValidateQuery(req RPCRequest) ValidationResult {
	v.stats.totalQueries.Add(1)
	query, params := req.Query, req.Params

	if !v.enabled {
		return ValidationResult{
			Valid:           true,
			NormalizedQuery: query,
			DetectedCommand: v.detectCommand(query),
			Risk:            RiskLow,
		}
	}

	result := ValidationResult{
		Valid:           true,
		NormalizedQuery: normalizeQuery(query),
		DetectedCommand: v.detectCommand(query),
		Risk:            RiskLow,
	}

	if len(query) > v.maxQueryLength {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("query exceeds maximum length of %d characters", v.maxQueryLength))
		result.Risk = RiskMedium
	}

	if strings.TrimSpace(query) == "" {
		result.Valid = false
		result.Errors = append(result.Errors, "empty query not allowed")
		return result
	}

	if !v.validateCommand(result.DetectedCommand) {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("command %q is not allowed by current policy", result.DetectedCommand))
		v.stats.commandViolations.Add(1)
		result.Risk = RiskHigh
	}

	if injected, pattern := v.detectSQLInjection(query); injected {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("potential SQL injection detected: %s", pattern))
		v.stats.injectionAttempts.Add(1)
		result.Risk = RiskCritical
	}

	if structureErrors := v.validateStructure(query); len(structureErrors) > 0 {
		if v.strictMode {
			result.Valid = false
			result.Errors = append(result.Errors, structureErrors...)
		} else {
			result.Warnings = append(result.Warnings, structureErrors...)
		}
		v.stats.structureViolations.Add(1)
		if result.Risk < RiskMedium {
			result.Risk = RiskMedium
		}
	}

	if paramWarnings := v.validateParameters(params); len(paramWarnings) > 0 {
		result.Warnings = append(result.Warnings, paramWarnings...)
	}

	if result.Valid {
		v.stats.validQueries.Add(1)
	} else {
		v.stats.blockedQueries.Add(1)
		if v.logViolations {
			log.Printf("[server] SQL validation violation: connHash=%s session=%s query=%s errors=%v risk=%s",
				req.ConnHash, req.Session, v.truncateForLog(query), result.Errors, result.Risk)
		}
	}

	return result
}

func (v *SQLValidator) detectCommand(query string) string {
	normalized := strings.TrimSpace(strings.ToUpper(query))
	normalized = regexp.MustCompile(`^(/\*.*?\*/|\s|--.*?\n)*`).ReplaceAllString(normalized, "")
	words := strings.Fields(normalized)
	if len(words) == 0 {
		return "UNKNOWN"
	}
	return words[0]
}

func (v *SQLValidator) validateCommand(command string) bool {
	command = strings.ToUpper(command)

	for _, blocked := range v.blockedCommands {
		if strings.ToUpper(blocked) == command {
			return false
		}
	}

	if len(v.allowedCommands) > 0 {
		for _, allowed := range v.allowedCommands {
			if strings.ToUpper(allowed) == command {
				return true
			}
		}
		return false
	}

	switch command {
	case "SELECT", "SHOW", "DESCRIBE", "EXPLAIN":
		return v.allowDQL
	case "INSERT", "UPDATE", "DELETE":
		return v.allowDML
	case "CREATE", "ALTER", "DROP", "TRUNCATE":
		return v.allowDDL
	case "CALL", "EXEC", "EXECUTE":
		return v.allowProcedures
	default:
		return !v.strictMode
	}
}

func (v *SQLValidator) detectSQLInjection(query string) (bool, string) {
	for i, re := range v.injectionRegexes {
		if re.MatchString(query) {
			return true, fmt.Sprintf("pattern %d matched", i+1)
		}
	}
	return false, ""
}

func (v *SQLValidator) validateStructure(query string) []string {
	var errs []string
	if !hasBalancedParentheses(query) {
		errs = append(errs, "unbalanced parentheses detected")
	}
	if !hasBalancedQuotes(query) {
		errs = append(errs, "unbalanced quotes detected")
	}
	if v.strictMode {
		lower := strings.ToLower(query)
		if strings.Contains(lower, "/*") && !strings.Contains(lower, "*/") {
			errs = append(errs, "unclosed comment block")
		}
		if strings.Count(query, ";") > 1 {
			errs = append(errs, "multiple statements not allowed in strict mode")
		}
	}
	return errs
}

func (v *SQLValidator) validateParameters(params []interface{}) []string {
	var warnings []string
	for i, param := range params {
		str, ok := param.(string)
		if !ok {
			continue
		}
		if containsSQLKeywords(str) {
			warnings = append(warnings, fmt.Sprintf("parameter %d contains SQL keywords", i+1))
		}
		if injected, _ := v.detectSQLInjection(str); injected {
			warnings = append(warnings, fmt.Sprintf("parameter %d contains suspicious patterns", i+1))
		}
	}
	return warnings
}

func hasBalancedParentheses(query string) bool {
	count := 0
	for _, c := range query {
		switch c {
		case '(':
			count++
		case ')':
			count--
			if count < 0 {
				return false
			}
		}
	}
	return count == 0
}

func hasBalancedQuotes(query string) bool {
	singleQuotes := strings.Count(query, "'") - strings.Count(query, "\\'")
	doubleQuotes := strings.Count(query, "\"") - strings.Count(query, "\\\"")
	return singleQuotes%2 == 0 && doubleQuotes%2 == 0
}

func containsSQLKeywords(s string) bool {
	keywords := []string{"select", "insert", "update", "delete", "drop", "union", "or", "and"}
	lower := strings.ToLower(s)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (v *SQLValidator) truncateForLog(query string) string {
	if len(query) <= 100 {
		return query
	}
	return query[:100] + "..."
}

func (v *SQLValidator) GetStats() ValidationStats {
	return ValidationStats{
		TotalQueries:        v.stats.totalQueries.Load(),
		ValidQueries:        v.stats.validQueries.Load(),
		BlockedQueries:      v.stats.blockedQueries.Load(),
		InjectionAttempts:   v.stats.injectionAttempts.Load(),
		CommandViolations:   v.stats.commandViolations.Load(),
		StructureViolations: v.stats.structureViolations.Load(),
	}
}
