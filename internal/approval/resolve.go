package approval

import (
	"fmt"
	"strings"

	"assistantgw/internal/tool"
)

// Config holds the per-tool-family approval defaults from spec.md's
// `security` configuration block.
type Config struct {
	ShellApproval           Mode
	BrowserApproval         Mode
	FilesystemWriteApproval Mode
	HumanApprovalTimeoutSeconds int
}

// ResolveMode implements spec.md §4.4 step 1's (tool_name, risk, arguments)
// -> {Auto, Ai, Human} mapping, and step 2's action_type derivation.
func ResolveMode(toolName string, risk tool.RiskLevel, arguments map[string]any, cfg Config) (Mode, string) {
	switch {
	case strings.HasPrefix(toolName, "shell."):
		return resolveShell(toolName, arguments, cfg)

	case toolName == "filesystem.write":
		return cfg.FilesystemWriteApproval, "tool." + toolName

	case toolName == "email.send", toolName == "imessage.send":
		return ModeHuman, "tool." + toolName

	case strings.HasPrefix(toolName, "linear."):
		if isLinearMutation(toolName) {
			return ModeHuman, "tool." + toolName
		}
		return fallbackByRisk(risk), "tool." + toolName

	case toolName == "graphql.mutation":
		return ModeHuman, "tool." + toolName

	case strings.HasPrefix(toolName, "browser."):
		return cfg.BrowserApproval, "tool." + toolName

	default:
		return fallbackByRisk(risk), "tool." + toolName
	}
}

func resolveShell(toolName string, arguments map[string]any, cfg Config) (Mode, string) {
	switch toolName {
	case "shell.inspect":
		return ModeAuto, "tool." + toolName
	case "shell.background_start":
		return ModeHuman, "tool." + toolName
	case "shell.execute":
		if sandboxPermissions(arguments) == "require_elevated" {
			return ModeHuman, "tool.shell.execute.elevated"
		}
		return cfg.ShellApproval, "tool." + toolName
	default:
		return cfg.ShellApproval, "tool." + toolName
	}
}

func sandboxPermissions(arguments map[string]any) string {
	if arguments == nil {
		return ""
	}
	v, _ := arguments["sandbox_permissions"].(string)
	return v
}

// isLinearMutation treats any linear.* tool other than a get_/list_ read as
// a mutating action requiring human review.
func isLinearMutation(toolName string) bool {
	rest := strings.TrimPrefix(toolName, "linear.")
	return !strings.HasPrefix(rest, "get_") && !strings.HasPrefix(rest, "list_")
}

func fallbackByRisk(risk tool.RiskLevel) Mode {
	switch risk {
	case tool.RiskLow:
		return ModeAuto
	case tool.RiskMedium:
		return ModeAi
	case tool.RiskHigh, tool.RiskCritical:
		return ModeHuman
	default:
		return ModeHuman
	}
}

// EffectiveRiskLevel applies tool-specific escalation on top of a tool's
// base risk (spec.md §4.3 step 6c), e.g. elevated shell exec always reads
// as High regardless of the tool's declared base risk.
func EffectiveRiskLevel(base tool.RiskLevel, toolName string, arguments map[string]any) tool.RiskLevel {
	if toolName == "shell.execute" && sandboxPermissions(arguments) == "require_elevated" {
		return tool.RiskHigh
	}
	if toolName == "shell.background_start" {
		risk := base
		if risk == tool.RiskLow {
			risk = tool.RiskMedium
		}
		return risk
	}
	return base
}

// DeriveActionType is exposed for callers (the automation/skills audit
// trail) that need the same tool-name-to-action_type mapping without
// resolving a mode.
func DeriveActionType(toolName string) string {
	return fmt.Sprintf("tool.%s", toolName)
}
